package block

import (
	"fmt"
	"strings"
)

// Type is the logical type of a column.
type Type int

const (
	Unknown Type = iota
	Bigint
	Double
	Boolean
	Decimal
	Varchar
	Varbinary
)

var typeNames = map[Type]string{
	Unknown:   "unknown",
	Bigint:    "bigint",
	Double:    "double",
	Boolean:   "boolean",
	Decimal:   "decimal",
	Varchar:   "varchar",
	Varbinary: "varbinary",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// IsNumeric reports whether values of t can be read as decimals.
func (t Type) IsNumeric() bool {
	return t == Bigint || t == Double || t == Decimal
}

// ParseType resolves a type name as used in requests and config.
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range typeNames {
		if t != Unknown && n == name {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown column type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
