package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"
)

// Signal is the congestion class of one upstream request.
type Signal int

const (
	SignalOK Signal = iota
	SignalRateLimited
	SignalServerError
	SignalNetError
	SignalTimeout
	// SignalRejected covers 4xx answers and malformed envelopes: the API
	// answered, so they say nothing about capacity.
	SignalRejected
	// SignalCanceled is a caller walking away; it is not counted at all.
	SignalCanceled
	numSignals
)

var signalNames = [numSignals]string{"ok", "rate_limited", "server_error", "net_error", "timeout", "rejected", "canceled"}

func (s Signal) String() string {
	if s < 0 || s >= numSignals {
		return "unknown"
	}
	return signalNames[s]
}

func (s Signal) congested() bool {
	switch s {
	case SignalRateLimited, SignalServerError, SignalNetError, SignalTimeout:
		return true
	}
	return false
}

// Classify maps the error of one GenerateContent request to a Signal.
func Classify(err error) Signal {
	var apiErr *APIError
	var tErr *TransportError
	switch {
	case err == nil:
		return SignalOK
	case errors.Is(err, context.DeadlineExceeded):
		return SignalTimeout
	case errors.Is(err, context.Canceled):
		return SignalCanceled
	case errors.As(err, &apiErr) && apiErr.Code == 429:
		return SignalRateLimited
	case errors.As(err, &apiErr) && apiErr.Code >= 500:
		return SignalServerError
	case errors.As(err, &tErr):
		return SignalNetError
	}
	return SignalRejected
}

// RPMLimits bounds and paces the AutoRPMController.
type RPMLimits struct {
	Min   int
	Max   int
	Start int
	// Window is how often the controller decides.
	Window time.Duration
	// Backoff multiplies the budget after a congested window (0 < Backoff < 1).
	Backoff float64
	// Growth multiplies the budget after a clean window with traffic (> 1).
	Growth float64
}

// DefaultRPMLimits suits a single Gemini key shared by the server.
func DefaultRPMLimits() RPMLimits {
	return RPMLimits{Min: 10, Max: 1000, Start: 300, Window: 5 * time.Second, Backoff: 0.6, Growth: 1.25}
}

func (l RPMLimits) normalized() RPMLimits {
	l.Min = max(l.Min, 1)
	l.Max = max(l.Max, l.Min)
	l.Start = min(max(l.Start, l.Min), l.Max)
	if l.Window <= 0 {
		l.Window = time.Second
	}
	if l.Backoff <= 0 || l.Backoff >= 1 {
		l.Backoff = 0.7
	}
	if l.Growth <= 1 {
		l.Growth = 1.1
	}
	return l
}

// Decision is the controller's most recent adjustment.
type Decision struct {
	Action string         `json:"action"`
	From   int            `json:"from"`
	To     int            `json:"to"`
	Counts map[string]int `json:"counts,omitempty"`
}

// AutoRPMController tunes the client's request budget multiplicatively:
// a window with any congestion signal shrinks it, a clean window with
// traffic grows it, an idle window leaves it alone. Feed it through
// Options.Observe so that it sees each request, not each worker.
type AutoRPMController struct {
	limits RPMLimits
	apply  func(int)

	mu          sync.Mutex
	rpm         int
	adjustments int
	window      [numSignals]int
	last        Decision
}

// NewAutoRPMController applies limits.Start through apply immediately.
func NewAutoRPMController(limits RPMLimits, apply func(int)) *AutoRPMController {
	limits = limits.normalized()
	if apply == nil {
		apply = func(int) {}
	}
	c := &AutoRPMController{limits: limits, apply: apply, rpm: limits.Start}
	apply(c.rpm)
	return c
}

// Start runs the decision loop until ctx ends.
func (c *AutoRPMController) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go func() {
		t := time.NewTicker(c.limits.Window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.step()
			}
		}
	}()
}

// Observe records one request outcome.
func (c *AutoRPMController) Observe(err error) {
	if c == nil {
		return
	}
	s := Classify(err)
	if s == SignalCanceled {
		return
	}
	c.mu.Lock()
	c.window[s]++
	c.mu.Unlock()
}

func (c *AutoRPMController) CurrentRPM() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpm
}

func (c *AutoRPMController) SnapshotJSON() json.RawMessage {
	if c == nil {
		return json.RawMessage("null")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := json.Marshal(struct {
		CurrentRPM  int      `json:"current_rpm"`
		MinRPM      int      `json:"min_rpm"`
		MaxRPM      int      `json:"max_rpm"`
		Adjustments int      `json:"adjustments"`
		Last        Decision `json:"last_decision"`
	}{c.rpm, c.limits.Min, c.limits.Max, c.adjustments, c.last})
	return b
}

func (c *AutoRPMController) step() {
	c.mu.Lock()
	window := c.window
	c.window = [numSignals]int{}

	d := decide(c.limits, c.rpm, window)
	c.last = d
	changed := d.To != c.rpm
	if changed {
		c.rpm = d.To
		c.adjustments++
	}
	c.mu.Unlock()

	if changed {
		c.apply(d.To)
	}
}

func decide(l RPMLimits, cur int, window [numSignals]int) Decision {
	d := Decision{Action: "hold", From: cur, To: cur}
	congested := 0
	for s, n := range window {
		if n == 0 {
			continue
		}
		if d.Counts == nil {
			d.Counts = make(map[string]int)
		}
		d.Counts[Signal(s).String()] = n
		if Signal(s).congested() {
			congested += n
		}
	}

	switch {
	case congested > 0:
		d.To = max(int(math.Floor(float64(cur)*l.Backoff)), l.Min)
	case window[SignalOK] > 0:
		d.To = min(int(math.Ceil(float64(cur)*l.Growth)), l.Max)
	}
	switch {
	case d.To < cur:
		d.Action = "decrease"
	case d.To > cur:
		d.Action = "increase"
	}
	return d
}
