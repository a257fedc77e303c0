package errext

import "errors"

// HasHint is an error carrying advice for the user on how to get past it.
type HasHint interface {
	error
	Hint() string
}

// WithHint attaches hint to err. A hint err already had is kept after the
// new one, in parentheses. A nil err stays nil.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return hinted{error: err, hint: hint}
}

type hinted struct {
	error
	hint string
}

var _ HasHint = hinted{}

func (h hinted) Unwrap() error {
	return h.error
}

func (h hinted) Hint() string {
	var inner HasHint
	if !errors.As(h.error, &inner) {
		return h.hint
	}
	return h.hint + " (" + inner.Hint() + ")"
}
