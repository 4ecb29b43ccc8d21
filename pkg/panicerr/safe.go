package panicerr

import "github.com/sourcegraph/conc/panics"

// Try runs fn and returns its error, or the recovered panic as an error
// carrying the stack of the panicking goroutine.
func Try(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}
