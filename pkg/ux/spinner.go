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
	"fmt"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is a loading indicator drawn on the diagnostic writer while a
// request is in flight. It only animates on interactive terminals.
type Spinner struct {
	mu      sync.Mutex
	message string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSpinner creates a spinner with the given message
func NewSpinner(message string) *Spinner {
	return &Spinner{message: message}
}

// Start begins the animation. It is a no-op when output is not
// interactive.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !IsInteractive() {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	_, errOut := writers()
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(spinnerFrames) {
			select {
			case <-stop:
				fmt.Fprint(errOut, "\r\033[K")
				return
			case <-ticker.C:
				s.mu.Lock()
				msg := s.message
				s.mu.Unlock()
				fmt.Fprintf(errOut, "\r%s %s", Styles.Highlight.Render(spinnerFrames[i]), msg)
			}
		}
	}(s.stop, s.done)
}

// Stop halts the animation and clears the line
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// UpdateMessage changes the message while running
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// WithSpinner runs fn with a spinner and reports failures through Error.
func WithSpinner(message string, fn func() error) error {
	spin := NewSpinner(message)
	spin.Start()
	err := fn()
	spin.Stop()
	if err != nil {
		Error(fmt.Sprintf("%s: %v", message, err))
	}
	return err
}
