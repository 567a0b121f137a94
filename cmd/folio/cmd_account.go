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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/query"
	"github.com/AleutianAI/AleutianFolio/pkg/ux"
)

// EnvPassword supplies the login password when --password is absent.
const EnvPassword = "FOLIO_PASSWORD"

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}
	prev, hadSession, err := loadSession(a.sessionPath)
	if err != nil {
		a.logger.Warn("ignoring unreadable session file", "path", a.sessionPath, "error", err)
	}

	spin := ux.NewSpinner("Logging in")
	spin.Start()
	res, err := a.api.Login.Do(cmd.Context(), api.LoginRequest{
		Name:         args[0],
		Password:     password,
		SyncApproval: loginSyncApproval,
	})
	spin.Stop()
	if err != nil {
		return err
	}

	saved := savedSession{
		BaseURL:  a.cfg.Server.BaseURL,
		Username: a.session.Username(),
		Token:    a.session.Token(),
		SavedAt:  time.Now().UTC(),
	}
	if res.Settings != nil {
		saved.Precision = res.Settings.UIFloatingPrecision
	}
	if !hadSession || prev.Username != saved.Username || prev.BaseURL != saved.BaseURL {
		if err := a.forgetSnapshots(); err != nil {
			return err
		}
	}
	if err := saveSession(a.sessionPath, saved); err != nil {
		return err
	}

	if jsonOutput {
		res.Token = ""
		return printJSON(res)
	}
	ux.Success(fmt.Sprintf("Logged in as %s", saved.Username))
	if len(res.Exchanges) > 0 {
		ux.Muted("Connected exchanges: " + strings.Join(res.Exchanges, ", "))
	}
	return nil
}

// readPassword takes --password, then $FOLIO_PASSWORD, then one line of in.
func readPassword(in io.Reader) (string, error) {
	if loginPassword != "" {
		return loginPassword, nil
	}
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}
	if ux.IsInteractive() {
		fmt.Fprint(os.Stderr, "Password: ")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read the password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("no password given, use --password or $" + EnvPassword)
	}
	return pw, nil
}

// runLogout ends the backend session and forgets everything stored
// locally, including snapshots.
func runLogout(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	name := a.session.Username()
	if name == "" {
		return errors.New("not logged in")
	}

	_, logoutErr := a.api.Logout.Do(cmd.Context(), name)
	if qe, ok := query.AsError(logoutErr); ok && qe.Unauthorized() {
		logoutErr = nil
	}
	if err := removeSession(a.sessionPath); err != nil {
		return err
	}
	if err := a.forgetSnapshots(); err != nil {
		return err
	}
	if logoutErr != nil {
		return logoutErr
	}
	ux.Success(fmt.Sprintf("Logged out %s", name))
	return nil
}

func runUsers(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	users, err := fresh(a.api.Users.FetchFresh(cmd.Context(), api.None{}))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(users)
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, len(names))
	for i, name := range names {
		rows[i] = []string{name, users[name]}
	}
	ux.Table([]string{"USER", "STATUS"}, rows)
	return nil
}
