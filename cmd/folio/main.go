// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command folio is the command line client for the portfolio backend.
package main

import (
	"context"
	"errors"
	"os"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := execute(os.Args[1:]); err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// execute runs one command line. Teardown runs even when the command
// fails, which cobra's post-run hooks do not.
func execute(args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return errors.Join(err, teardownRuntime())
}
