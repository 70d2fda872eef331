// Command eltord is the paid-circuit orchestration daemon: it drives an
// already-running onion-router process over its control socket, acting
// as a paid-circuit client, a paid-circuit relay, or both.
package main

import (
	"fmt"
	"os"

	goerrors "github.com/go-errors/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Top-level fatal path: wrap with go-errors for a stack trace in
		// the log, the one place in this daemon that needs it (every
		// other error path is handled or logged closer to its source).
		wrapped := goerrors.Wrap(err, 0)
		fmt.Fprintln(os.Stderr, wrapped.ErrorStack())
		os.Exit(1)
	}
}
