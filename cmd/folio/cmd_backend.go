// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFolio/pkg/ux"
	"github.com/AleutianAI/AleutianFolio/services/fakebackend"
)

// runFakeBackend serves the in-memory backend until interrupted.
func runFakeBackend(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := fakebackend.New(fakebackend.Options{
		Users:            backendUsers,
		RejectPatchLogin: backendRejectPatch,
		Open:             backendOpen,
		Logger:           rt.logger.Slog(),
	})
	defer srv.Close()

	return srv.ListenAndServe(ctx, backendAddr, func(addr net.Addr) {
		ux.Success(fmt.Sprintf("Fake backend listening on http://%s", addr))
		if len(backendUsers) == 0 && !backendOpen {
			ux.Muted("log in with: folio login alice --password secret --base-url http://" + addr.String())
		}
	})
}
