package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/assay/internal/ir"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func marshalObject(o ir.Object) (string, error) {
	data, err := o.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalObject(data string) (ir.Object, error) {
	if data == "" {
		return ir.Object{}, nil
	}
	var o ir.Object
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, err
	}
	return o, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func marshalFailure(f *ir.Failure) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal failure: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalFailure(ns sql.NullString) (*ir.Failure, error) {
	if !ns.Valid {
		return nil, nil
	}
	var f ir.Failure
	if err := json.Unmarshal([]byte(ns.String), &f); err != nil {
		return nil, fmt.Errorf("unmarshal failure: %w", err)
	}
	return &f, nil
}

func marshalResult(o ir.Object) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalObject(o)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal result: %w", err)
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func unmarshalResult(ns sql.NullString) (ir.Object, error) {
	if !ns.Valid {
		return nil, nil
	}
	return unmarshalObject(ns.String)
}

// nanos converts a time to stored form. The zero time is stored as 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
