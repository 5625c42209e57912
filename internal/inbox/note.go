package inbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultEntityType is used for notes whose frontmatter has no type.
const DefaultEntityType = models.EntityFieldNote

// note is a parsed inbox file.
type note struct {
	entityType models.EntityType
	payload    json.RawMessage
}

// parseNote splits a markdown file into YAML frontmatter and body. The
// frontmatter "type" key picks the entity type; every other key becomes
// a payload field. The body is stored as "content". A file without
// frontmatter is all content.
func parseNote(content []byte) (note, error) {
	fields := map[string]any{}

	block, body, found := splitFrontmatter(content)
	if found {
		if err := yaml.Unmarshal(block, &fields); err != nil {
			return note{}, fmt.Errorf("parsing frontmatter: %w", err)
		}

		if fields == nil {
			fields = map[string]any{}
		}
	}

	entityType := DefaultEntityType
	if v, ok := fields["type"]; ok {
		s, isString := v.(string)
		if !isString {
			return note{}, fmt.Errorf("frontmatter type must be a string")
		}

		entityType = models.EntityType(strings.TrimSpace(s))
		delete(fields, "type")
	}

	// Identity is tracked by file, never by frontmatter.
	delete(fields, "id")

	fields["content"] = strings.TrimSpace(string(body))

	payload, err := json.Marshal(fields)
	if err != nil {
		return note{}, fmt.Errorf("encoding note: %w", err)
	}

	return note{entityType: entityType, payload: payload}, nil
}

// splitFrontmatter returns the YAML block between the opening and
// closing "---" lines and the body after it.
func splitFrontmatter(content []byte) (block, body []byte, found bool) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, content, false
	}

	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	rest := content[3:]
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, content, false
	}
	rest = rest[idx+1:]

	// An empty block closes on the very next line.
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, skipLine(rest), true
	}

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, content, false
	}

	return rest[:end], skipLine(rest[end+1:]), true
}

func skipLine(b []byte) []byte {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return nil
	}

	return b[idx+1:]
}
