package load

import (
	"errors"
	"fmt"
)

// ErrMissingKey is matched by MissingKeyError via errors.Is.
var ErrMissingKey = errors.New("natural key not present in input")

// MissingKeyError reports a dimension input that lacks its natural key column.
type MissingKeyError struct {
	Table string
	Key   string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("natural key %q not present in input for %s", e.Key, e.Table)
}

func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// ConnectorError wraps a warehouse failure with the operation and table it
// happened on. It is returned unchanged by the loader so callers can decide
// whether to retry.
type ConnectorError struct {
	Op    string
	Table string
	Err   error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("warehouse %s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

func connectorErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectorError{Op: op, Table: table, Err: err}
}
