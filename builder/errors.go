package builder

import "fmt"

// ErrorKind tags the error taxonomy of spec.md §7 so the executor and
// runner can branch on propagation policy without string matching.
type ErrorKind int

const (
	// KindItemError: ProcessItem returned an error for one item. Counted
	// in the run's error total, logged, and the item dropped. Never
	// fatal. The template builders do not return an error for a failing
	// transform: they emit a state "failed" document instead, which is
	// written like any other output and is not counted as an error.
	KindItemError ErrorKind = iota
	// KindItemTimeout: the per-item deadline expired in ProcessItem.
	// Treated as KindItemError with a distinct kind for reporting.
	KindItemTimeout
	// KindSourceError: I/O or validation failure in GetItems. Fatal to
	// the current run.
	KindSourceError
	// KindSinkError: I/O failure in UpdateTargets. Fatal to the current
	// run; the offending batch is logged in full at error level.
	KindSinkError
	// KindConfigError: malformed serialized description, missing
	// required Store, or incompatible override map. Fatal before any
	// items flow.
	KindConfigError
	// KindBusError: message bus transport failure.
	KindBusError
	// KindReporterError: event-sink write failure. Logged, never fatal.
	KindReporterError
)

func (k ErrorKind) String() string {
	switch k {
	case KindItemError:
		return "ItemError"
	case KindItemTimeout:
		return "ItemTimeout"
	case KindSourceError:
		return "SourceError"
	case KindSinkError:
		return "SinkError"
	case KindConfigError:
		return "ConfigError"
	case KindBusError:
		return "BusError"
	case KindReporterError:
		return "ReporterError"
	default:
		return "UnknownError"
	}
}

// Error is the taxonomy-tagged error type returned throughout the package.
// Wrap with fmt.Errorf("...: %w", err) to preserve errors.As/errors.Is.
type Error struct {
	Kind ErrorKind
	Op   string // e.g. "get_items", "process_item", "update_targets"
	Item any    // the offending item/key, if any; nil for build-level errors
	Err  error
}

func (e *Error) Error() string {
	if e.Item != nil {
		return fmt.Sprintf("%s: %s: item=%v: %v", e.Kind, e.Op, e.Item, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsFatal reports whether an error of this kind terminates the current
// Builder's run (everything except ItemError/ItemTimeout/ReporterError).
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case KindItemError, KindItemTimeout, KindReporterError:
		return false
	default:
		return true
	}
}

// NewItemError wraps err as a per-item ItemError (or ItemTimeout).
func NewItemError(item WorkItem, err error, timeout bool) *Error {
	kind := KindItemError
	if timeout {
		kind = KindItemTimeout
	}
	key, _ := item["key"]
	return &Error{Kind: kind, Op: "process_item", Item: key, Err: err}
}

// NewSourceError wraps a GetItems failure.
func NewSourceError(err error) *Error {
	return &Error{Kind: KindSourceError, Op: "get_items", Err: err}
}

// NewSinkError wraps an UpdateTargets failure. batch is retained as the
// Item for "logged in full at error level" callers.
func NewSinkError(batch []ProcessedItem, err error) *Error {
	return &Error{Kind: KindSinkError, Op: "update_targets", Item: batch, Err: err}
}

// NewConfigError wraps a malformed description or missing Store.
func NewConfigError(op string, err error) *Error {
	return &Error{Kind: KindConfigError, Op: op, Err: err}
}

// NewBusError wraps a message bus transport failure.
func NewBusError(op string, err error) *Error {
	return &Error{Kind: KindBusError, Op: op, Err: err}
}

// NewReporterError wraps an event-sink write failure.
func NewReporterError(err error) *Error {
	return &Error{Kind: KindReporterError, Op: "report", Err: err}
}
