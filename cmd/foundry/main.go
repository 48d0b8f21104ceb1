// Package main is the entry point for the foundry CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"foundry/pkg/supervisor"
)

// Exit codes: 0 success, 1 operational failure, 2 admission rejected.
const (
	exitOK       = 0
	exitFailure  = 1
	exitRejected = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "foundry: %v\n", err)

		var rejected *supervisor.AdmissionRejectedError
		if errors.As(err, &rejected) {
			return exitRejected
		}
		return exitFailure
	}
	return exitOK
}
