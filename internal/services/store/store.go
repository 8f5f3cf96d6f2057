package store

import (
	"context"
	"fmt"
)

// Row is the wire projection of a chat record
type Row struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Message    string `json:"message"`
	Time       int64  `json:"time"`
	System     bool   `json:"system"`
	Email      string `json:"email"`
	IP         string `json:"ip"`
	UA         string `json:"ua"`
	ClientTime int64  `json:"client_time"`
	Optimistic bool   `json:"optimistic"`
}

// Column names of the chat table
const (
	ColumnID         = "id"
	ColumnName       = "name"
	ColumnColor      = "color"
	ColumnMessage    = "message"
	ColumnTime       = "time"
	ColumnSystem     = "system"
	ColumnEmail      = "email"
	ColumnIP         = "ip"
	ColumnUA         = "ua"
	ColumnClientTime = "client_time"
	ColumnOptimistic = "optimistic"
)

// AllColumns lists every column in table order
var AllColumns = []string{
	ColumnID, ColumnName, ColumnColor, ColumnMessage, ColumnTime, ColumnSystem,
	ColumnEmail, ColumnIP, ColumnUA, ColumnClientTime, ColumnOptimistic,
}

// field returns a pointer to the Row field backing a column
func (r *Row) field(column string) (any, bool) {
	switch column {
	case ColumnID:
		return &r.ID, true
	case ColumnName:
		return &r.Name, true
	case ColumnColor:
		return &r.Color, true
	case ColumnMessage:
		return &r.Message, true
	case ColumnTime:
		return &r.Time, true
	case ColumnSystem:
		return &r.System, true
	case ColumnEmail:
		return &r.Email, true
	case ColumnIP:
		return &r.IP, true
	case ColumnUA:
		return &r.UA, true
	case ColumnClientTime:
		return &r.ClientTime, true
	case ColumnOptimistic:
		return &r.Optimistic, true
	}
	return nil, false
}

// Project returns a copy of r with only the given columns set.
// An empty column list keeps every column.
func (r Row) Project(columns []string) (Row, error) {
	if len(columns) == 0 {
		return r, nil
	}
	var out Row
	for _, column := range columns {
		dst, ok := out.field(column)
		if !ok {
			return Row{}, unknownColumn(column)
		}
		src, _ := r.field(column)
		switch d := dst.(type) {
		case *string:
			*d = *src.(*string)
		case *int64:
			*d = *src.(*int64)
		case *bool:
			*d = *src.(*bool)
		}
	}
	return out, nil
}

// Query describes an ordered, optionally bounded select
type Query struct {
	Columns    []string
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
	// IDFrom and IDTo are inclusive bounds on the id column; empty means unbounded
	IDFrom     string
	IDTo       string
	CountTotal bool
}

// Result holds selected rows and, when requested, the total matching count
type Result struct {
	Rows  []Row
	Total int
}

// PredicateOp is a comparison used in delete filters
type PredicateOp string

const (
	OpEq  PredicateOp = "eq"
	OpNeq PredicateOp = "neq"
	OpGte PredicateOp = "gte"
	OpLte PredicateOp = "lte"
)

// Predicate filters rows on one text column
type Predicate struct {
	Column string
	Op     PredicateOp
	Value  string
}

// Subscription is a live insert feed
type Subscription interface {
	Unsubscribe() error
}

// Store is the remote chat table
type Store interface {
	Select(ctx context.Context, table string, q Query) (*Result, error)
	Insert(ctx context.Context, table string, row Row, returning []string) (*Row, error)
	Delete(ctx context.Context, table string, where Predicate) error
	SubscribeInserts(ctx context.Context, table string, onInsert func(Row)) (Subscription, error)
}

// Error is raised by a store with an optional backend error code
type Error struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("store %s: %s (code %s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeUndefinedColumn matches the Postgres undefined_column code
const CodeUndefinedColumn = "42703"

func unknownColumn(column string) error {
	return &Error{Op: "query", Code: CodeUndefinedColumn, Message: fmt.Sprintf("unknown column %q", column)}
}

func validColumn(column string) bool {
	var r Row
	_, ok := r.field(column)
	return ok
}

func textValue(r *Row, column string) (string, bool) {
	v, ok := r.field(column)
	if !ok {
		return "", false
	}
	s, ok := v.(*string)
	if !ok {
		return "", false
	}
	return *s, true
}
