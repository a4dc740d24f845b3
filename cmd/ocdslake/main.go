// Command ocdslake downloads monthly OCDS procurement packages, tracks
// publisher changes and maintains the served snapshot store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/ocdslake/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	// Commands report their own failures; anything else is a flag or
	// argument error from cobra.
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\nRun 'ocdslake --help' for usage.\n", err)
	os.Exit(cli.ExitCommandError)
}
