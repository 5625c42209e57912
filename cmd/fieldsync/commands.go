package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/engine"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// withApp opens the app for a one-shot command and closes it afterwards.
func withApp(opts *rootOptions, cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(opts, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send pending changes and pull server changes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app) error {
				if err := a.requireServer(); err != nil {
					return err
				}

				res, err := a.engine.SyncAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("syncing: %w", err)
				}

				out := cmd.OutOrStdout()
				if opts.Format == "json" {
					return printJSON(out, res)
				}

				if res.NoOp {
					fmt.Fprintln(out, "nothing to sync")
					return nil
				}

				fmt.Fprintf(out, "synced %d, received %d, conflicted %d, dropped %d, deduplicated %d\n",
					res.Synced, res.Received, res.Conflicted, res.Dropped, res.Deduplicated)

				return nil
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app) error {
				st, err := a.engine.Status(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.Format == "json" {
					return printJSON(out, st)
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "device\t%s\n", st.DeviceID)
				fmt.Fprintf(tw, "server\t%s\n", orDash(a.cfg.ServerURL))
				fmt.Fprintf(tw, "last sync\t%s\n", formatTime(st.LastSync))
				fmt.Fprintf(tw, "pending\t%d\n", st.Pending)
				fmt.Fprintf(tw, "conflicts\t%d\n", st.Conflicts)

				if st.LastError != "" {
					fmt.Fprintf(tw, "last error\t%s\n", st.LastError)
				}

				return tw.Flush()
			})
		},
	}
}

func newRecordCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Create, read, list and delete local records",
	}

	var id string

	save := &cobra.Command{
		Use:   "save <entity-type> <json|->",
		Short: "Create a record, or update one with --id",
		Long: `Create a record, or update one with --id. The payload is a JSON
object given inline or read from stdin with "-".

Entity types: field_note, document, reference, survey_response, memo.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}

			if id != "" {
				if payload, err = setField(payload, "id", id); err != nil {
					return err
				}
			}

			return withApp(opts, cmd, func(a *app) error {
				recID, opID, err := a.engine.Save(cmd.Context(), models.EntityType(args[0]), payload)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.Format == "json" {
					return printJSON(out, map[string]string{"id": recID.String(), "opId": opID})
				}

				fmt.Fprintf(out, "%s (op %s)\n", recID, opID)

				return nil
			})
		},
	}
	save.Flags().StringVar(&id, "id", "", "id of the record to update")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app) error {
				rec, err := a.engine.Get(cmd.Context(), models.ParseID(args[0]))
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	var (
		entityType string
		pending    bool
	)

	list := &cobra.Command{
		Use:   "list",
		Short: "List local records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app) error {
				var (
					recs []models.LocalRecord
					err  error
				)

				if pending {
					recs, err = a.engine.Pending(cmd.Context())
				} else {
					recs, err = a.engine.List(cmd.Context())
				}

				if err != nil {
					return err
				}

				shown := recs[:0]
				for _, rec := range recs {
					if rec.Deleted || (entityType != "" && string(rec.EntityType) != entityType) {
						continue
					}

					shown = append(shown, rec)
				}

				out := cmd.OutOrStdout()
				if opts.Format == "json" {
					return printJSON(out, shown)
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tVERSION\tUPDATED\tTITLE")

				for _, rec := range shown {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						rec.ID, rec.EntityType, rec.SyncVersion, formatTime(rec.UpdatedAt), title(rec.Payload))
				}

				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&entityType, "type", "", "only records of this entity type")
	list.Flags().BoolVar(&pending, "pending", false, "only records with unsent changes")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app) error {
				opID, err := a.engine.Delete(cmd.Context(), models.ParseID(args[0]))
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (op %s)\n", args[0], opID)

				return nil
			})
		},
	}

	cmd.AddCommand(save, get, list, del)

	return cmd
}

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	var diffID uint64

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List open conflicts, or diff one with --diff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app) error {
				out := cmd.OutOrStdout()

				if diffID != 0 {
					diff, err := a.engine.Diff(cmd.Context(), diffID)
					if err != nil {
						return err
					}

					fmt.Fprint(out, diff)

					return nil
				}

				cs, err := a.engine.Conflicts(cmd.Context())
				if err != nil {
					return err
				}

				if opts.Format == "json" {
					return printJSON(out, cs)
				}

				if len(cs) == 0 {
					fmt.Fprintln(out, "no conflicts")
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tRECORD\tOP\tLOCAL\tSERVER\tDETECTED\tMESSAGE")

				for _, c := range cs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
						c.ID, c.Operation.ID, c.Operation.Kind, c.Operation.Version,
						c.ServerVersion, formatTime(c.DetectedAt), c.ServerError.Message)
				}

				return tw.Flush()
			})
		},
	}
	cmd.Flags().Uint64Var(&diffID, "diff", 0, "show the diff for this conflict id")

	return cmd
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var version int64

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <keep_local|use_server|merge>",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}

			return withApp(opts, cmd, func(a *app) error {
				err := a.engine.Resolve(cmd.Context(), id, models.Strategy(args[1]), engine.ResolveOptions{Version: version})
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "conflict %d resolved with %s\n", id, args[1])

				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "keep_local only: resend the change with this version")

	return cmd
}

func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	var data []byte

	if arg == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}

		data = b
	} else {
		data = []byte(arg)
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	return data, nil
}

func setField(payload json.RawMessage, key, value string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}

	fields[key] = value

	return json.Marshal(fields)
}

func title(payload json.RawMessage) string {
	return gjson.GetBytes(payload, "title").String()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
