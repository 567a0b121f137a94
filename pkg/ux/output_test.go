// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// capture runs f at level and returns what it wrote to stdout and stderr.
func capture(level PersonalityLevel, f func()) (string, string) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonality(Personality{Level: level, Precision: orig.Precision})

	var out, errOut bytes.Buffer
	restore := SetOutput(&out, &errOut)
	defer restore()
	f()
	return out.String(), errOut.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render(%q) lost the glyph", icon)
		}
	}
}

// =============================================================================
// Message Tests
// =============================================================================

func TestSuccess_Machine(t *testing.T) {
	out, _ := capture(PersonalityMachine, func() { Success("logged in") })
	if out != "OK: logged in\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestError_GoesToStderr(t *testing.T) {
	out, errOut := capture(PersonalityMachine, func() { Error("boom") })
	if out != "" {
		t.Errorf("expected nothing on stdout, got %q", out)
	}
	if errOut != "ERROR: boom\n" {
		t.Errorf("unexpected stderr %q", errOut)
	}
}

func TestWarning_Levels(t *testing.T) {
	_, errOut := capture(PersonalityMachine, func() { Warning("stale") })
	if errOut != "WARN: stale\n" {
		t.Errorf("machine: unexpected stderr %q", errOut)
	}
	out, _ := capture(PersonalityMinimal, func() { Warning("stale") })
	if !strings.Contains(out, "stale") {
		t.Errorf("minimal: missing text in %q", out)
	}
}

func TestTitleAndMuted_SilentForMachines(t *testing.T) {
	out, _ := capture(PersonalityMachine, func() {
		Title("Balances")
		Muted("updated just now")
	})
	if out != "" {
		t.Errorf("expected no output, got %q", out)
	}
	out, _ = capture(PersonalityStandard, func() { Title("Balances") })
	if !strings.Contains(out, "Balances") {
		t.Errorf("missing title in %q", out)
	}
}

func TestErrorBox_Machine(t *testing.T) {
	_, errOut := capture(PersonalityMachine, func() {
		ErrorBox("response invalid", []string{"entries[0].amount: expected numeric", "entries_found: expected integer"})
	})
	want := "ERROR response invalid: entries[0].amount: expected numeric; entries_found: expected integer\n"
	if errOut != want {
		t.Errorf("got %q, want %q", errOut, want)
	}
}

// =============================================================================
// Table Tests
// =============================================================================

func TestTable_MachineIsTabSeparated(t *testing.T) {
	out, _ := capture(PersonalityMachine, func() {
		Table([]string{"ASSET", "AMOUNT"}, [][]string{{"BTC", "0.5"}, {"ETH", "10"}})
	})
	want := "ASSET\tAMOUNT\nBTC\t0.5\nETH\t10\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestTable_StandardAlignsColumns(t *testing.T) {
	out, _ := capture(PersonalityStandard, func() {
		Table([]string{"ASSET", "AMOUNT"}, [][]string{{"BTC", "0.5"}, {"SPAMTOKEN"}})
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	for _, want := range []string{"ASSET", "BTC", "SPAMTOKEN"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

// =============================================================================
// Amount Tests
// =============================================================================

func TestAmount(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonality(Personality{Level: PersonalityStandard, Precision: 2})
	if got := Amount("1500.126"); got != "1500.13" {
		t.Errorf("got %q", got)
	}
	if got := Amount("n/a"); got != "n/a" {
		t.Errorf("unparseable value changed to %q", got)
	}

	SetPersonality(Personality{Level: PersonalityMachine, Precision: 2})
	if got := Amount("1500.126"); got != "1500.126" {
		t.Errorf("machine mode must keep raw value, got %q", got)
	}
}

// =============================================================================
// Spinner Tests
// =============================================================================

func TestWithSpinner_ReportsError(t *testing.T) {
	_, errOut := capture(PersonalityMachine, func() {
		err := WithSpinner("Fetching balances", func() error { return errors.New("offline") })
		if err == nil {
			t.Error("expected error")
		}
	})
	if errOut != "ERROR: Fetching balances: offline\n" {
		t.Errorf("unexpected stderr %q", errOut)
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	s := NewSpinner("idle")
	s.Stop()
	s.UpdateMessage("still idle")
}
