package store

import (
	"fmt"
	"regexp"
	"time"
)

type Op string

const (
	OpEq       Op = "eq"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
	OpContains Op = "contains"
)

// Condition compares a top-level document field with Value. Value is a
// string, float64 or time.Time; OpContains only accepts strings and matches
// case-insensitively.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. The zero value matches everything.
type Filter []Condition

func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

func Gte(field string, value any) Condition {
	return Condition{Field: field, Op: OpGte, Value: value}
}

func Lte(field string, value any) Condition {
	return Condition{Field: field, Op: OpLte, Value: value}
}

func Contains(field string, value string) Condition {
	return Condition{Field: field, Op: OpContains, Value: value}
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects conditions an adapter cannot evaluate.
func (f Filter) Validate() error {
	for _, cond := range f {
		if !fieldName.MatchString(cond.Field) {
			return fmt.Errorf("invalid filter field %q", cond.Field)
		}
		switch cond.Op {
		case OpEq, OpGte, OpLte:
			switch cond.Value.(type) {
			case string, float64, time.Time:
			default:
				return fmt.Errorf("unsupported value %T for field %s", cond.Value, cond.Field)
			}
		case OpContains:
			if _, ok := cond.Value.(string); !ok {
				return fmt.Errorf("contains on %s needs a string, got %T", cond.Field, cond.Value)
			}
		default:
			return fmt.Errorf("unsupported filter op %q", cond.Op)
		}
	}
	return nil
}
