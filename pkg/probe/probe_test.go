package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"
)

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello from app"))
	}))
	defer srv.Close()

	resp, err := Get(context.Background(), nil, srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Body != "Hello from app" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestWaitReadyEventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	}))
	defer srv.Close()

	elapsed, err := WaitReady(context.Background(), srv.Client(), srv.URL, regexp.MustCompile("ready"), 5*time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if elapsed <= 0 {
		t.Errorf("elapsed = %v, want > 0", elapsed)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("still booting"))
	}))
	defer srv.Close()

	start := time.Now()
	_, err := WaitReady(context.Background(), srv.Client(), srv.URL, regexp.MustCompile("ready"), 200*time.Millisecond, 50*time.Millisecond)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("WaitReady overran its timeout: %v", time.Since(start))
	}
}
