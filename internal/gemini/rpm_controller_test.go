package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Signal
	}{
		{nil, SignalOK},
		{context.DeadlineExceeded, SignalTimeout},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), SignalTimeout},
		{context.Canceled, SignalCanceled},
		{&APIError{Code: 429}, SignalRateLimited},
		{&APIError{Code: 503}, SignalServerError},
		{&APIError{Code: 400}, SignalRejected},
		{&TransportError{Err: errors.New("connection reset")}, SignalNetError},
		{errors.New("schema mismatch"), SignalRejected},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func newTestController(applied *[]int) *AutoRPMController {
	return NewAutoRPMController(RPMLimits{
		Min:     10,
		Max:     200,
		Start:   100,
		Backoff: 0.5,
		Growth:  1.5,
	}, func(rpm int) { *applied = append(*applied, rpm) })
}

func TestAutoRPMController_DecreasesOnCongestion(t *testing.T) {
	var applied []int
	c := newTestController(&applied)

	c.Observe(nil)
	c.Observe(&APIError{Code: 429})
	c.step()

	if got := c.CurrentRPM(); got != 50 {
		t.Fatalf("rpm after congestion = %d, want 50", got)
	}
	if len(applied) != 2 || applied[0] != 100 || applied[1] != 50 {
		t.Fatalf("applied = %v", applied)
	}
	if !strings.Contains(string(c.SnapshotJSON()), `"rate_limited":1`) {
		t.Fatalf("snapshot = %s", c.SnapshotJSON())
	}

	for i := 0; i < 5; i++ {
		c.Observe(&TransportError{Err: errors.New("reset")})
		c.step()
	}
	if got := c.CurrentRPM(); got != 10 {
		t.Fatalf("rpm should floor at min, got %d", got)
	}
}

func TestAutoRPMController_IncreasesOnCleanWindow(t *testing.T) {
	var applied []int
	c := newTestController(&applied)

	c.Observe(nil)
	c.step()
	if got := c.CurrentRPM(); got != 150 {
		t.Fatalf("rpm after clean window = %d, want 150", got)
	}
	c.Observe(nil)
	c.step()
	if got := c.CurrentRPM(); got != 200 {
		t.Fatalf("rpm should cap at max, got %d", got)
	}
	if !strings.Contains(string(c.SnapshotJSON()), `"adjustments":2`) {
		t.Fatalf("snapshot = %s", c.SnapshotJSON())
	}
}

func TestAutoRPMController_IgnoresNonCongestion(t *testing.T) {
	var applied []int
	c := newTestController(&applied)
	c.step()
	if got := c.CurrentRPM(); got != 100 {
		t.Fatalf("rpm = %d, want unchanged 100", got)
	}

	c.Observe(&APIError{Code: 400})
	c.Observe(context.Canceled)
	c.step()
	if got := c.CurrentRPM(); got != 100 {
		t.Fatalf("rpm = %d after rejected and canceled requests, want 100", got)
	}
}

// A 429 answered between two successes must still shrink the budget when
// the controller is fed from the client.
func TestAutoRPMController_FedFromClient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{}"}]}}]}`))
	}))
	defer server.Close()

	var c *AutoRPMController
	client := NewClient(Options{APIKey: "k", BaseURL: server.URL, Observe: func(err error) { c.Observe(err) }})
	var applied []int
	c = newTestController(&applied)

	for i := 0; i < 3; i++ {
		client.GenerateContent(context.Background(), "m", &GenerateContentRequest{})
	}
	c.step()
	if got := c.CurrentRPM(); got != 50 {
		t.Fatalf("rpm = %d, want 50 after a 429", got)
	}
}

func TestAutoRPMController_NilIsSafe(t *testing.T) {
	var c *AutoRPMController
	c.Observe(errors.New("x"))
	c.Start(context.Background())
	if c.CurrentRPM() != 0 {
		t.Fatal("nil controller should report 0")
	}
	if string(c.SnapshotJSON()) != "null" {
		t.Fatal("nil snapshot should be null")
	}
}
