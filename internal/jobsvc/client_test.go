package jobsvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const idsBody = `{"data":["job-1","job-2"],"message":"ok","statusCode":200,"timestamp":"2026-03-14T15:09:26Z"}`

func TestJobIDsDecodesResponse(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/jobs/ids" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(idsBody))
	}))
	defer srv.Close()

	ids, err := New(srv.URL).JobIDs(context.Background(), "tok123")
	if err != nil {
		t.Fatalf("JobIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "job-1" || ids[1] != "job-2" {
		t.Fatalf("ids = %v", ids)
	}
	if got := gotAuth.Load(); got != "Bearer tok123" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestJobIDsRetriesRetryableStatuses(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(idsBody))
	}))
	defer srv.Close()

	ids, err := New(srv.URL).JobIDs(context.Background(), "tok")
	if err != nil {
		t.Fatalf("JobIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestJobIDsGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).JobIDs(context.Background(), "tok"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := calls.Load(); got != maxAttempts {
		t.Fatalf("server saw %d calls, want %d", got, maxAttempts)
	}
}

func TestJobIDsWithoutBaseResolvesNoRooms(t *testing.T) {
	ids, err := New("").JobIDs(context.Background(), "tok")
	if err != nil {
		t.Fatalf("JobIDs on disabled client: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want none", ids)
	}
}

func TestJobIDsDoesNotRetryTerminalStatuses(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).JobIDs(context.Background(), "bad"); err == nil {
		t.Fatal("expected error for 401")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want 1", got)
	}
}
