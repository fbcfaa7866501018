package store

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// StringSlice persists a small ordered set of strings (event type names) as
// a comma-joined TEXT column, avoiding a dependency on a Postgres
// array-aware driver type for what is always a short, caller-controlled list.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("store: cannot scan %T into StringSlice", src)
	}
	if raw == "" {
		*s = StringSlice{}
		return nil
	}
	*s = strings.Split(raw, ",")
	return nil
}

// Contains reports whether s includes value, or the "all" sentinel.
func (s StringSlice) Contains(value string) bool {
	for _, v := range s {
		if v == value || v == "all" {
			return true
		}
	}
	return false
}
