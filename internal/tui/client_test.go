package tui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/identity"
)

const testOwner = "owner_0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: identity.OwnerCookieName, Value: testOwner, Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"s1","meeting_id":"abcd-efgh","phase":"joining","status":"connecting","relay_url":"/ws/sessions/s1"}`))
	})
	mux.HandleFunc("POST /api/sessions/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"retry not allowed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCreateSessionAndRelayLink(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	c, err := NewClient(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	s, err := c.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != "s1" || s.MeetingID != "abcd-efgh" || s.RelayURL == "" {
		t.Fatalf("unexpected session %+v", s)
	}

	link := c.RelayLink("s1")
	want := srv.URL + "/?session=s1&" + identity.OwnerParam + "=" + testOwner
	if link != want {
		t.Fatalf("RelayLink = %q, want %q", link, want)
	}
}

func TestClientReportsAPIError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	c, err := NewClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Command(context.Background(), "s1", CommandRetry)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != http.StatusConflict || !strings.Contains(apiErr.Error(), "retry not allowed") {
		t.Fatalf("unexpected error %v", apiErr)
	}
}
