// Package abort defines the single panic/recover boundary used across the
// abstract domains (pkg/rcp, pkg/stackmem, pkg/machine) to signal an
// internal-invariant violation: an uninitialised register read, an
// Undefined instruction, or offset arithmetic overflow. Per spec.md §7
// these abort the analysis rather than propagate as a normal error return,
// since the extractor's contract guarantees they should never happen for a
// well-formed input; pkg/verifier recovers at its top-level entry points
// and turns the panic back into a plain error.
package abort

// Error wraps the underlying cause of an abort.
type Error struct{ Err error }

func (e Error) Error() string { return e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }

// New wraps err for a panic(abort.New(err)) call.
func New(err error) Error { return Error{Err: err} }

// Recover converts a panic value produced by New into a plain error, or
// re-panics if the value isn't one of ours. Call from inside a deferred
// recover() at a recovery boundary.
func Recover(r interface{}) error {
	if r == nil {
		return nil
	}
	if e, ok := r.(Error); ok {
		return e
	}
	panic(r)
}
