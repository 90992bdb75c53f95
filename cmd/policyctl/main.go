package main

// Operate the analysis pipeline from a shell:
//   go run ./cmd/policyctl analyze --user jane@example.com policy.pdf schedule.pdf

import (
	"fmt"
	"os"

	"policy-backend/internal/shared/telemetry"
)

func main() {
	defer telemetry.Sync()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
