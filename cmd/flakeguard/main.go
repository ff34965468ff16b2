// flakeguard re-measures quarantined flaky tests and demotes the ones that have stabilized.
//
// Usage:
//
//	flakeguard run [--flaky-file tests/FLAKY_TESTS.txt] [--repeat 5] [--build-dir build/dev-debug]
//	flakeguard resolve [--flaky-file ...] [--build-dir ...]
//	flakeguard status [--state-file .flaky_quarantine_state.json]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
