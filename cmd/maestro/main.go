// Command maestro serves the speech-to-speech assist pipeline and ships a
// small client for it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "maestro:", err)
		}
		os.Exit(1)
	}
}
