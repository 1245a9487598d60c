package lookup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/polisai/polis-flow/pkg/flow"
)

// Table is the on-disk form of a lookup table.
//
//	{
//	  "evidenceKey": "header.x-country",
//	  "properties": {"currency": {"category": "location"}},
//	  "entries": {"gb": {"currency": "GBP"}}
//	}
type Table struct {
	EvidenceKey string                    `json:"evidenceKey"`
	Properties  flow.Properties           `json:"properties"`
	Entries     map[string]map[string]any `json:"entries"`
	// CaseInsensitive matches evidence values ignoring case.
	CaseInsensitive bool `json:"caseInsensitive,omitempty"`
}

// LoadTable reads and validates a table file.
func LoadTable(path string) (*Table, error) {
	// #nosec G304 -- table path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lookup table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse lookup table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.CaseInsensitive {
		folded := make(map[string]map[string]any, len(t.Entries))
		for k, v := range t.Entries {
			folded[strings.ToLower(k)] = v
		}
		t.Entries = folded
	}
	return &t, nil
}

func (t *Table) validate() error {
	if strings.TrimSpace(t.EvidenceKey) == "" {
		return errors.New("lookup table: evidenceKey is required")
	}
	for value, row := range t.Entries {
		for prop := range row {
			if _, declared := t.Properties[prop]; !declared {
				return fmt.Errorf("lookup table: entry %q sets undeclared property %q", value, prop)
			}
		}
	}
	return nil
}

func (t *Table) find(value string) (map[string]any, bool) {
	if t.CaseInsensitive {
		value = strings.ToLower(value)
	}
	row, ok := t.Entries[value]
	return row, ok
}
