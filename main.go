package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fluidzero/fz-go/internal/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}

// exitOnError prints a user-friendly error message (and hint, when one
// exists) to stderr and exits with the taxonomy code. This is the only place
// the process exits on error.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var ee *api.ExitError
	if errors.As(err, &ee) && ee.Hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", ee.Hint)
	}

	os.Exit(api.ExitCode(err))
}
