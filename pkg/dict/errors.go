package dict

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrKeyNotFound is returned by Get when the key has no stored object.
var ErrKeyNotFound = errors.New("key not found")

// BatchError aggregates the per-key failures of one bulk operation.
//
// Bulk operations are not transactional: keys that succeeded stay
// written (or deleted) even when others failed. Failures maps each
// failed key to its cause.
type BatchError struct {
	Op       string
	Failures map[string]error
}

func (e *BatchError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s failed for %d key(s): ", e.Op, len(keys))
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", k, e.Failures[k])
	}
	return sb.String()
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
