package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// SourceList holds the source partitions a manager may see. The backend
// stores it either as a delimited string or as a native array.
type SourceList []string

// ParseSources normalizes any accepted shape into a clean list. Empty and
// duplicate entries are dropped, order of first appearance is kept.
func ParseSources(v interface{}) SourceList {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case SourceList:
		raw = t
	case []string:
		raw = t
	case []interface{}:
		for _, item := range t {
			if item == nil {
				continue
			}
			raw = append(raw, fmt.Sprint(item))
		}
	case []byte:
		return ParseSources(string(t))
	case string:
		raw = splitSources(t)
	default:
		raw = []string{fmt.Sprint(t)}
	}

	seen := make(map[string]struct{}, len(raw))
	out := make(SourceList, 0, len(raw))
	for _, s := range raw {
		s = strings.Trim(strings.TrimSpace(s), `"`)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitSources handles "a,b", "a; b", "a|b", a JSON array literal and a
// postgres array literal "{a,b}".
func splitSources(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return arr
		}
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		s = s[1 : len(s)-1]
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
}

func (l SourceList) Contains(source string) bool {
	for _, s := range l {
		if s == source {
			return true
		}
	}
	return false
}

func (l *SourceList) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = ParseSources(v)
	return nil
}

// Scan implements sql.Scanner
func (l *SourceList) Scan(src interface{}) error {
	*l = ParseSources(src)
	return nil
}

// Value stores the list as a comma-delimited string.
func (l SourceList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	return strings.Join(l, ","), nil
}

// NormalizeLabel lowercases a status label and strips separators so that
// "Up Sale", "up_sale" and "UPSALE" compare equal.
func NormalizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch r {
		case ' ', '_', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
