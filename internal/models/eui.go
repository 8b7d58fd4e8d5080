package models

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// ParseEUI64 parses 16 hex digits, optionally separated by '-' or ':'
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	clean := strings.NewReplacer("-", "", ":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return e, fmt.Errorf("invalid EUI64 %q: %w", s, err)
	}
	if len(b) != 8 {
		return e, fmt.Errorf("invalid EUI64 length %d", len(b))
	}
	copy(e[:], b)
	return e, nil
}

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	parsed, err := ParseEUI64(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Value implements driver.Valuer
func (e EUI64) Value() (driver.Value, error) {
	return e.String(), nil
}

// Scan implements sql.Scanner
func (e *EUI64) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) == 8 {
			copy(e[:], v)
			return nil
		}
		return e.UnmarshalText(v)
	case string:
		return e.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into EUI64", value)
	}
}
