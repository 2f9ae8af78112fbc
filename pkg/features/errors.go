package features

import "fmt"

// EncodingError reports an item that could not be parsed into the codec's
// domain representation. It is never retryable: the caller has to fix the input.
type EncodingError struct {
	Item string
	// Pos is the byte offset of the offending character, or -1 when the error
	// is not tied to a position.
	Pos    int
	Reason string
	Err    error
}

func (e *EncodingError) Error() string {
	msg := e.Reason
	if e.Pos >= 0 {
		msg = fmt.Sprintf("%s at position %d", e.Reason, e.Pos)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("cannot encode %q: %s", truncate(e.Item, 64), msg)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

func newEncodingError(item string, pos int, format string, args ...interface{}) *EncodingError {
	return &EncodingError{
		Item:   item,
		Pos:    pos,
		Reason: fmt.Sprintf(format, args...),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
