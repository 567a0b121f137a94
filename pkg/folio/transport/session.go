// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the RLIMIT_MEMLOCK below which bearer tokens are
// kept in ordinary memory instead of a memguard enclave.
const MinMlockLimitKB = 256

var (
	mlockOnce       sync.Once
	mlockSufficient bool
)

// UnauthorizedEvent is delivered to Session listeners after a 401.
type UnauthorizedEvent struct {
	Endpoint string
	URL      string
	Username string
	At       time.Time
}

// Session holds the credentials attached to every outgoing request.
//
// It is created once per client and injected into the transport. Login
// and registration write it through Set, logout through Clear, and the
// transport clears it on a 401. Everything else only reads it.
//
// The bearer token is sealed in a memguard Enclave when the process may
// lock enough memory, and kept as a plain string otherwise.
type Session struct {
	mu       sync.RWMutex
	username string
	secure   bool
	enclave  *memguard.Enclave
	plain    string
	jar      http.CookieJar

	listenersMu sync.Mutex
	listeners   map[int]func(UnauthorizedEvent)
	nextID      int
}

// NewSession returns an empty, unauthenticated session.
func NewSession() *Session {
	mlockOnce.Do(func() {
		mlockSufficient = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit below minimum, session tokens use ordinary memory",
				"required_kb", MinMlockLimitKB)
		}
	})
	return &Session{
		secure:    mlockSufficient,
		jar:       newJar(),
		listeners: make(map[int]func(UnauthorizedEvent)),
	}
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK allows memguard buffers.
func checkMlockLimit() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return false
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true
	}
	return rlimit.Cur/1024 >= MinMlockLimitKB
}

func newJar() http.CookieJar {
	jar, _ := cookiejar.New(nil)
	return jar
}

// Set records a successful login or registration. An empty token means
// the backend authenticates through cookies only.
func (s *Session) Set(username, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.storeToken(token)
}

// Clear drops the username, the token and all session cookies.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = ""
	s.storeToken("")
	s.jar = newJar()
}

func (s *Session) storeToken(token string) {
	s.enclave = nil
	s.plain = ""
	if token == "" {
		return
	}
	if s.secure {
		s.enclave = memguard.NewEnclave([]byte(token))
		return
	}
	s.plain = token
}

// Token returns the bearer token, or "" when none is held.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.enclave != nil {
		buf, err := s.enclave.Open()
		if err != nil {
			return ""
		}
		defer buf.Destroy()
		return string(buf.Bytes())
	}
	return s.plain
}

// Username returns the logged-in user, or "".
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Authenticated reports whether a login has been recorded.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username != "" || s.enclave != nil || s.plain != ""
}

// Secure reports whether tokens are sealed in locked memory.
func (s *Session) Secure() bool {
	return s.secure
}

// OnUnauthorized registers fn to run after every 401. The returned
// function removes the registration.
func (s *Session) OnUnauthorized(fn func(UnauthorizedEvent)) (remove func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// expire clears the session and notifies listeners.
func (s *Session) expire(ev UnauthorizedEvent) {
	ev.Username = s.Username()
	s.Clear()

	s.listenersMu.Lock()
	fns := make([]func(UnauthorizedEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// cookieJar returns a jar that always delegates to the session's current
// cookies, so Clear takes effect on an http.Client built earlier.
func (s *Session) cookieJar() http.CookieJar {
	return sessionJar{s: s}
}

type sessionJar struct{ s *Session }

func (j sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.s.mu.RLock()
	jar := j.s.jar
	j.s.mu.RUnlock()
	jar.SetCookies(u, cookies)
}

func (j sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.s.mu.RLock()
	jar := j.s.jar
	j.s.mu.RUnlock()
	return jar.Cookies(u)
}
