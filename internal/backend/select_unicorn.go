//go:build !interp

package backend

// New returns the default engine for this build: the Unicorn adapter.
// Build with -tags interp to select the pure-Go interpreter instead.
func New() (Backend, error) { return NewUnicorn() }
