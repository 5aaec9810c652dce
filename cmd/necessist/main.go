// Command necessist mutates away test-body statements and reruns their
// covering tests, to find assertions that pass for reasons unrelated to
// what they claim to check.
package main

import (
	"fmt"
	"os"

	"github.com/trailofbits/necessist/cmd/necessist/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
