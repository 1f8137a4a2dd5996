// Command metawsm is the control plane's CLI: it can run the Control API
// server or drive runs/slots/worktrees/releases directly against the local
// store, mirroring the read paths the Control API itself exposes over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
