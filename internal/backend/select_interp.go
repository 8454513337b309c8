//go:build interp

package backend

// New returns the default engine for this build: the pure-Go interpreter.
func New() (Backend, error) { return NewInterp() }
