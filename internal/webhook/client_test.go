package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/facecraft/internal/domain"
)

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})

	err := client.Send(context.Background(), srv.URL, EventJobCompleted, map[string]any{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotTS == "" {
		t.Fatal("expected timestamp header")
	}
	if !Verify("test-secret", gotTS, gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if Verify("other-secret", gotTS, gotBody, gotSig) {
		t.Fatal("signature verified with the wrong secret")
	}
	if gotEvt != EventJobCompleted {
		t.Fatalf("expected event header %s, got %q", EventJobCompleted, gotEvt)
	}
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	if err := client.Send(context.Background(), srv.URL, EventJobFailed, map[string]string{}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	if err := client.Send(context.Background(), srv.URL, EventJobFailed, nil); err == nil {
		t.Fatal("expected delivery error")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	client := NewClient(Config{MaxAttempts: 4, InitialBackoff: time.Millisecond})
	if err := client.Send(context.Background(), srv.URL, EventJobFailed, nil); err == nil {
		t.Fatal("expected delivery error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt for 410, got %d", calls.Load())
	}
}

func TestSendKeepsDeliveryIdentityAcrossRetries(t *testing.T) {
	var (
		mu         sync.Mutex
		deliveries []string
		signatures []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveries = append(deliveries, r.Header.Get(HeaderDelivery))
		signatures = append(signatures, r.Header.Get(HeaderSignature))
		n := len(deliveries)
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{SigningSecret: "s", MaxAttempts: 2, InitialBackoff: time.Millisecond})
	if err := client.Send(context.Background(), srv.URL, EventJobCompleted, map[string]int{"n": 1}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if len(deliveries) != 2 || deliveries[0] == "" || deliveries[0] != deliveries[1] {
		t.Fatalf("expected one delivery id across attempts, got %v", deliveries)
	}
	if signatures[0] != signatures[1] {
		t.Fatalf("signature changed between attempts: %v", signatures)
	}
}

func TestSendStopsWhenContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(Config{MaxAttempts: 5, InitialBackoff: time.Hour})
	if err := client.Send(ctx, srv.URL, EventJobFailed, nil); err == nil {
		t.Fatal("expected error once the context expires")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected zero for empty header, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected zero for garbage, got %s", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Fatalf("unexpected http-date delay %s", got)
	}
}

func TestVerifyFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"job_id":"job-1"}`)
	sig := Sign("secret", ts, body)

	if !VerifyFresh("secret", ts, body, sig, now.Add(2*time.Minute), 5*time.Minute) {
		t.Fatal("expected signature inside the window to verify")
	}
	if VerifyFresh("secret", ts, body, sig, now.Add(10*time.Minute), 5*time.Minute) {
		t.Fatal("expected stale timestamp to be rejected")
	}
	if VerifyFresh("secret", "not-a-time", body, sig, now, time.Hour) {
		t.Fatal("expected malformed timestamp to be rejected")
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	client := NewClient(Config{})
	if err := client.Send(context.Background(), "  ", EventJobCompleted, nil); err != nil {
		t.Fatalf("expected no-op for empty endpoint, got %v", err)
	}
}

func TestNewJobEvent(t *testing.T) {
	event, body := NewJobEvent(domain.Job{
		ID:           "job-7",
		Status:       domain.JobStatusSucceeded,
		FaceDetected: true,
		Outputs:      []domain.JobOutput{{Format: domain.FormatPNG, Path: "job-7/portrait.png"}},
	})
	if event != EventJobCompleted {
		t.Fatalf("expected %s, got %s", EventJobCompleted, event)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if decoded["job_id"] != "job-7" || decoded["face_detected"] != true {
		t.Fatalf("unexpected event body: %s", raw)
	}

	event, body = NewJobEvent(domain.Job{ID: "job-8", Status: domain.JobStatusFailed, ErrorCode: "no_face_detected"})
	if event != EventJobFailed || body.ErrorCode != "no_face_detected" {
		t.Fatalf("unexpected failed event %s %+v", event, body)
	}
}
