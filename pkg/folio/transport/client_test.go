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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ignoredEP  = MustEndpoint("assets.ignored", "GET", "assets/ignored", KindQuery)
	loginEP    = MustEndpoint("users.login", "PATCH", "users/{username}", KindMutation, WithFallback("POST"))
	exchangeEP = MustEndpoint("exchanges.add", "PUT", "exchanges", KindMutation)
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, Timeout: 5 * time.Second, UserAgent: "folio-test"}, nil)
	require.NoError(t, err)
	return client, server
}

func TestNew_BaseURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:4242", "http://localhost:4242/api/1/"},
		{"http://localhost:4242/", "http://localhost:4242/api/1/"},
		{"https://host/api/1", "https://host/api/1/"},
		{"https://host/custom/?x=1", "https://host/custom/"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c, err := New(Config{BaseURL: tt.base}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Root())
		})
	}

	for _, bad := range []string{"", "localhost:4242", "ftp://host", "://"} {
		_, err := New(Config{BaseURL: bad}, nil)
		assert.Error(t, err, bad)
	}
}

func TestSend_UnwrapsResult(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1/assets/ignored", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "folio-test", r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))
		assert.Empty(t, r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"result": ["BTC","ETH"]}`))
	})

	raw, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
	require.NoError(t, err)
	assert.JSONEq(t, `["BTC","ETH"]`, string(raw))
}

func TestSend_QueryAndBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "true", r.URL.Query().Get("async_query"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"kraken","api_key":"k"}`, string(body))
		w.Write([]byte(`{"result": true}`))
	})

	raw, err := client.Send(context.Background(), Request{
		Endpoint: exchangeEP,
		Query:    url.Values{"async_query": {"true"}},
		Body:     map[string]string{"name": "kraken", "api_key": "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "true", string(raw))
}

func TestSend_MissingParamNeverHitsNetwork(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := client.Send(context.Background(), Request{Endpoint: loginEP, Params: map[string]string{}})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConfiguration, te.Kind)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSend_NullAndEmptyResults(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"null result", `{"result": null}`, "null"},
		{"absent result", `{}`, "null"},
		{"empty body", ``, "null"},
		{"false without message", `{"result": false}`, "false"},
		{"truthy result with message", `{"result": {"a":1}, "message": "partial"}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			raw, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestSend_ApplicationError(t *testing.T) {
	bodies := []string{
		`{"message": "invalid credentials"}`,
		`{"result": null, "message": "invalid credentials"}`,
		`{"result": false, "message": "invalid credentials"}`,
		`{"result": 0, "message": "invalid credentials"}`,
		`{"result": "", "message": "invalid credentials"}`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			})
			raw, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
			assert.Nil(t, raw)
			var te *Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, KindApplication, te.Kind)
			assert.Equal(t, http.StatusOK, te.Status)
			assert.Equal(t, "invalid credentials", te.Message)
		})
	}
}

func TestSend_MalformedResponse(t *testing.T) {
	for _, body := range []string{`not json`, `["a"]`, `{"result": [1,}`} {
		t.Run(body, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			})
			_, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
			var te *Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, KindMalformedResponse, te.Kind)
			assert.Equal(t, body, string(te.Body))
		})
	}
}

func TestSend_HTTPError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "Username already exists"}`))
	})

	_, err := client.Send(context.Background(), Request{Endpoint: exchangeEP, Body: map[string]string{}})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindHTTP, te.Kind)
	assert.Equal(t, http.StatusConflict, te.Status)
	assert.Equal(t, "Username already exists", te.Message)
	assert.JSONEq(t, `{"error": "Username already exists"}`, string(te.Body))
	assert.Equal(t, http.MethodPut, te.Method)
}

func TestSend_HTTPErrorWithNonJSONBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`<html>bad gateway</html>`))
	})

	_, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindHTTP, te.Kind)
	assert.Equal(t, "Bad gateway. Please try again later.", te.Message)
}

func TestSend_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := server.URL
	server.Close()

	client, err := New(Config{BaseURL: base, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), Request{Endpoint: ignoredEP})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindNetwork, te.Kind)
	assert.NotNil(t, te.Err)
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, Request{Endpoint: ignoredEP})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindNetwork, te.Kind)
}

func TestSend_LoginFallsBackToPOST(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		assert.Equal(t, "/api/1/users/alice", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"action":"login","name":"alice","password":"pw"}`, string(body))
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(`{"result":{"username":"alice","message":"ok"}}`))
	})

	raw, err := client.Send(context.Background(), Request{
		Endpoint: loginEP,
		Params:   map[string]string{"username": "alice"},
		Body:     map[string]string{"action": "login", "name": "alice", "password": "pw"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"alice","message":"ok"}`, string(raw))
	assert.Equal(t, []string{"PATCH", "POST"}, methods)
}

func TestSend_FallbackIsBoundedToOneAttempt(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Send(context.Background(), Request{Endpoint: loginEP, Params: map[string]string{"username": "a"}})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.MethodPost, te.Method)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSend_NoFallbackOnApplicationError(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"result": null, "message": "wrong password"}`))
	})

	_, err := client.Send(context.Background(), Request{Endpoint: loginEP, Params: map[string]string{"username": "a"}})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindApplication, te.Kind)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSend_NoFallbackOnNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := server.URL
	server.Close()

	client, err := New(Config{BaseURL: base, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), Request{Endpoint: loginEP, Params: map[string]string{"username": "a"}})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindNetwork, te.Kind)
	assert.Equal(t, http.MethodPatch, te.Method)
}

func TestSend_AttachesBearerToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"result": []}`))
	})
	client.Session().Set("alice", "tok-123")

	_, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
	require.NoError(t, err)
}

func TestSend_CookiesRoundTripAndClearOnLogout(t *testing.T) {
	var sawCookie atomic.Bool
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
			w.Write([]byte(`{"result":{"username":"alice","message":"ok"}}`))
			return
		}
		_, err := r.Cookie("session")
		sawCookie.Store(err == nil)
		w.Write([]byte(`{"result": []}`))
	})

	_, err := client.Send(context.Background(), Request{Endpoint: loginEP, Params: map[string]string{"username": "alice"}})
	require.NoError(t, err)

	_, err = client.Send(context.Background(), Request{Endpoint: ignoredEP})
	require.NoError(t, err)
	assert.True(t, sawCookie.Load())

	client.Session().Clear()
	_, err = client.Send(context.Background(), Request{Endpoint: ignoredEP})
	require.NoError(t, err)
	assert.False(t, sawCookie.Load())
}

func TestSend_UnauthorizedClearsSessionAndNotifies(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "session expired"}`))
	})
	session := client.Session()
	session.Set("alice", "tok")

	events := make(chan UnauthorizedEvent, 1)
	remove := session.OnUnauthorized(func(ev UnauthorizedEvent) { events <- ev })
	defer remove()

	_, err := client.Send(context.Background(), Request{Endpoint: ignoredEP})
	assert.ErrorIs(t, err, ErrUnauthorized)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "session expired", te.Message)

	assert.False(t, session.Authenticated())
	assert.Empty(t, session.Token())
	select {
	case ev := <-events:
		assert.Equal(t, "assets.ignored", ev.Endpoint)
		assert.Equal(t, "alice", ev.Username)
	case <-time.After(time.Second):
		t.Fatal("no unauthorized event")
	}
}

func TestSend_RateLimited(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"result": 1}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, RateLimit: 0.001, RateBurst: 1}, nil)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), Request{Endpoint: ignoredEP})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Send(ctx, Request{Endpoint: ignoredEP})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindNetwork, te.Kind)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSend_RawBodyPassthrough(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"assets":["BTC"]}`, string(body))
		w.Write([]byte(`{"result": ["BTC"]}`))
	})

	_, err := client.Send(context.Background(), Request{Endpoint: exchangeEP, Body: json.RawMessage(`{"assets":["BTC"]}`)})
	require.NoError(t, err)
}

func TestSend_UnencodableBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not be called")
	})
	_, err := client.Send(context.Background(), Request{Endpoint: exchangeEP, Body: make(chan int)})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConfiguration, te.Kind)
}

func TestFalsy(t *testing.T) {
	for _, v := range []string{"", "null", "false", `""`, "0", "0.0", " null "} {
		assert.True(t, falsy(json.RawMessage(v)), v)
	}
	for _, v := range []string{"true", "1", `"x"`, "[]", "{}", "-0.5"} {
		assert.False(t, falsy(json.RawMessage(v)), v)
	}
}
