// Package mcpserver registers MCP tools that expose the sync engine:
// status and manual sync, record CRUD through the mutation tracker, and
// conflict inspection and resolution.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/engine"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, eng *engine.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show sync state: device id, last successful sync, pending operation count, open conflicts, whether the server is reachable, and the last error.",
	}, statusHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run sync attempts until the pending queue is empty or an attempt fails. Returns counts of synced, received, conflicted and dropped operations.",
	}, syncNowHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_save",
		Description: "Create or update a research record. Omit id to create; the record gets a temporary id until the server assigns one. Changes are stored locally and queued for the next sync.",
	}, saveHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_get",
		Description: "Read one record by id. Temporary ids keep working after the server assigned a permanent one.",
	}, getHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_delete",
		Description: "Delete a record locally and queue the deletion for the server.",
	}, deleteHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "records_list",
		Description: "List local records, optionally filtered by entity type or to records with unsent changes.",
	}, listHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflicts_list",
		Description: "List unresolved conflicts with the local and server versions of each record.",
	}, conflictsHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_diff",
		Description: "Show a line diff between the server copy (-) and the local change (+) for one conflict.",
	}, diffHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_resolve",
		Description: "Resolve a conflict with keep_local (resend the local change, optionally with a new version), use_server (take the server copy), or merge (combine fields, local wins).",
	}, resolveHandler(eng))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// SaveInput holds parameters for record_save.
type SaveInput struct {
	EntityType string         `json:"entity_type" jsonschema:"required,one of field_note, document, reference, survey_response, memo"`
	ID         string         `json:"id,omitempty" jsonschema:"record id to update, omit to create"`
	Fields     map[string]any `json:"fields" jsonschema:"required,record fields as a JSON object"`
}

// GetInput holds parameters for record_get.
type GetInput struct {
	ID string `json:"id" jsonschema:"required,record id"`
}

// DeleteInput holds parameters for record_delete.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"required,record id"`
}

// ListInput holds parameters for records_list.
type ListInput struct {
	EntityType  string `json:"entity_type,omitempty" jsonschema:"only records of this entity type"`
	PendingOnly bool   `json:"pending_only,omitempty" jsonschema:"only records with unsent changes"`
}

// ConflictsInput has no parameters.
type ConflictsInput struct{}

// DiffInput holds parameters for conflict_diff.
type DiffInput struct {
	ID uint64 `json:"id" jsonschema:"required,conflict id"`
}

// ResolveInput holds parameters for conflict_resolve.
type ResolveInput struct {
	ID       uint64 `json:"id" jsonschema:"required,conflict id"`
	Strategy string `json:"strategy" jsonschema:"required,keep_local, use_server or merge"`
	Version  int64  `json:"version,omitempty" jsonschema:"keep_local only: version to resend the change with"`
}

// --- Output types ---

// StatusResult is the sync_status output.
type StatusResult struct {
	DeviceID    string `json:"device_id"`
	State       string `json:"state"`
	Online      bool   `json:"online"`
	Pending     int    `json:"pending"`
	Conflicts   int    `json:"conflicts"`
	LastSync    string `json:"last_sync,omitempty"`
	LastAttempt string `json:"last_attempt,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// SyncResult is the sync_now output.
type SyncResult struct {
	Synced       int    `json:"synced"`
	Received     int    `json:"received"`
	Conflicted   int    `json:"conflicted"`
	Dropped      int    `json:"dropped"`
	Deduplicated int    `json:"deduplicated"`
	NothingToDo  bool   `json:"nothing_to_do,omitempty"`
	Watermark    string `json:"watermark,omitempty"`
}

// RecordResult is one record.
type RecordResult struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	Version    int64  `json:"version"`
	Fields     any    `json:"fields"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// ListResult is the records_list output.
type ListResult struct {
	Total   int            `json:"total"`
	Records []RecordResult `json:"records"`
}

// MutationResult is returned by record_save and record_delete.
type MutationResult struct {
	ID   string `json:"id"`
	OpID string `json:"op_id"`
}

// ConflictResult is one open conflict.
type ConflictResult struct {
	ID            uint64 `json:"id"`
	RecordID      string `json:"record_id"`
	EntityType    string `json:"entity_type"`
	Operation     string `json:"operation"`
	LocalVersion  int64  `json:"local_version"`
	ServerVersion int64  `json:"server_version"`
	Message       string `json:"message"`
	DetectedAt    string `json:"detected_at"`
	LocalFields   any    `json:"local_fields,omitempty"`
	ServerFields  any    `json:"server_fields,omitempty"`
}

// ConflictsResult is the conflicts_list output.
type ConflictsResult struct {
	Total     int              `json:"total"`
	Conflicts []ConflictResult `json:"conflicts"`
}

// DiffResult is the conflict_diff output.
type DiffResult struct {
	ID   uint64 `json:"id"`
	Diff string `json:"diff"`
}

// ResolveResult is the conflict_resolve output.
type ResolveResult struct {
	ID       uint64 `json:"id"`
	Strategy string `json:"strategy"`
}

// --- Handlers ---

func statusHandler(eng *engine.Engine) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st, err := eng.Status(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{
			DeviceID:    st.DeviceID,
			State:       st.State.String(),
			Online:      st.Online,
			Pending:     st.Pending,
			Conflicts:   st.Conflicts,
			LastSync:    formatTime(st.LastSync),
			LastAttempt: formatTime(st.LastAttempt),
			LastError:   st.LastError,
		}

		return textResult(result), result, nil
	}
}

func syncNowHandler(eng *engine.Engine) mcp.ToolHandlerFor[SyncNowInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *SyncResult, error) {
		res, err := eng.SyncAll(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &SyncResult{
			Synced:       res.Synced,
			Received:     res.Received,
			Conflicted:   res.Conflicted,
			Dropped:      res.Dropped,
			Deduplicated: res.Deduplicated,
			NothingToDo:  res.NoOp,
			Watermark:    formatTime(res.Watermark),
		}

		return textResult(result), result, nil
	}
}

func saveHandler(eng *engine.Engine) mcp.ToolHandlerFor[SaveInput, *MutationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SaveInput) (*mcp.CallToolResult, *MutationResult, error) {
		fields := make(map[string]any, len(input.Fields)+1)
		for k, v := range input.Fields {
			fields[k] = v
		}

		delete(fields, "id")

		if input.ID != "" {
			fields["id"] = input.ID
		}

		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding fields: %w", err)
		}

		id, opID, err := eng.Save(ctx, models.EntityType(input.EntityType), payload)
		if err != nil {
			return nil, nil, err
		}

		result := &MutationResult{ID: id.String(), OpID: opID}

		return textResult(result), result, nil
	}
}

func getHandler(eng *engine.Engine) mcp.ToolHandlerFor[GetInput, *RecordResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *RecordResult, error) {
		rec, err := eng.Get(ctx, models.ParseID(input.ID))
		if err != nil {
			return nil, nil, err
		}

		result := recordResult(*rec)

		return textResult(result), &result, nil
	}
}

func deleteHandler(eng *engine.Engine) mcp.ToolHandlerFor[DeleteInput, *MutationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *MutationResult, error) {
		id := models.ParseID(input.ID)

		opID, err := eng.Delete(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		result := &MutationResult{ID: id.String(), OpID: opID}

		return textResult(result), result, nil
	}
}

func listHandler(eng *engine.Engine) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		var (
			recs []models.LocalRecord
			err  error
		)

		if input.PendingOnly {
			recs, err = eng.Pending(ctx)
		} else {
			recs, err = eng.List(ctx)
		}

		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Records: []RecordResult{}}

		for _, rec := range recs {
			if rec.Deleted {
				continue
			}

			if input.EntityType != "" && string(rec.EntityType) != input.EntityType {
				continue
			}

			result.Records = append(result.Records, recordResult(rec))
		}

		sort.Slice(result.Records, func(i, j int) bool {
			return result.Records[i].CreatedAt < result.Records[j].CreatedAt
		})

		result.Total = len(result.Records)

		return textResult(result), result, nil
	}
}

func conflictsHandler(eng *engine.Engine) mcp.ToolHandlerFor[ConflictsInput, *ConflictsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ConflictsInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		cs, err := eng.Conflicts(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictsResult{Total: len(cs), Conflicts: make([]ConflictResult, 0, len(cs))}

		for _, c := range cs {
			cr := ConflictResult{
				ID:            c.ID,
				RecordID:      c.Operation.ID.String(),
				EntityType:    string(c.Operation.EntityType),
				Operation:     string(c.Operation.Kind),
				LocalVersion:  c.Operation.Version,
				ServerVersion: c.ServerVersion,
				Message:       c.ServerError.Message,
				DetectedAt:    formatTime(c.DetectedAt),
				LocalFields:   decodeFields(c.Operation.Payload),
			}

			if c.ServerError.Record != nil {
				cr.ServerFields = decodeFields(c.ServerError.Record.Payload)
			}

			result.Conflicts = append(result.Conflicts, cr)
		}

		return textResult(result), result, nil
	}
}

func diffHandler(eng *engine.Engine) mcp.ToolHandlerFor[DiffInput, *DiffResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DiffInput) (*mcp.CallToolResult, *DiffResult, error) {
		diff, err := eng.Diff(ctx, input.ID)
		if err != nil {
			return nil, nil, err
		}

		result := &DiffResult{ID: input.ID, Diff: diff}

		return textResult(result), result, nil
	}
}

func resolveHandler(eng *engine.Engine) mcp.ToolHandlerFor[ResolveInput, *ResolveResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, *ResolveResult, error) {
		err := eng.Resolve(ctx, input.ID, models.Strategy(input.Strategy), engine.ResolveOptions{Version: input.Version})
		if err != nil {
			return nil, nil, err
		}

		result := &ResolveResult{ID: input.ID, Strategy: input.Strategy}

		return textResult(result), result, nil
	}
}

func recordResult(rec models.LocalRecord) RecordResult {
	return RecordResult{
		ID:         rec.ID.String(),
		EntityType: string(rec.EntityType),
		Version:    rec.SyncVersion,
		Fields:     decodeFields(rec.Payload),
		CreatedAt:  formatTime(rec.CreatedAt),
		UpdatedAt:  formatTime(rec.UpdatedAt),
	}
}

func decodeFields(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}

	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
