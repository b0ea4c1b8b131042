// Command cvsession runs a vision session against a simulated device.
package main

import (
	"fmt"
	"os"

	"github.com/go-drift/cvsession/cmd/cvsession/cmd"
)

func main() {
	if err := cmd.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
