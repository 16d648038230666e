package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Built-in route names.
const (
	RouteEcho   = "echo"
	RouteSleep  = "sleep"
	RouteSHA256 = "sha256"
	RouteFail   = "fail"
)

const (
	defaultSleep = 15 * time.Second
	maxSleep     = time.Hour
)

// RegisterBuiltins adds the routes every deployment ships with.
func RegisterBuiltins(r *Registry) {
	r.Register(RouteEcho, Echo)
	r.Register(RouteSleep, Sleep)
	r.Register(RouteSHA256, SHA256)
	r.Register(RouteFail, Fail)
}

// Echo returns the payload unchanged.
func Echo(_ context.Context, payload json.RawMessage) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

type sleepRequest struct {
	Seconds *float64 `json:"seconds"`
}

type sleepResult struct {
	Status       string  `json:"status"`
	SleptSeconds float64 `json:"slept_seconds"`
}

// Sleep simulates long-running work. The payload may set "seconds"; the
// default is 15. Progress is logged once per second.
func Sleep(ctx context.Context, payload json.RawMessage) (any, error) {
	var req sleepRequest
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode sleep payload: %w", err)
		}
	}

	d := defaultSleep
	if req.Seconds != nil {
		if *req.Seconds < 0 {
			return nil, errors.New("seconds must not be negative")
		}
		d = time.Duration(*req.Seconds * float64(time.Second))
	}
	if d > maxSleep {
		return nil, fmt.Errorf("seconds must not exceed %d", int(maxSleep.Seconds()))
	}

	start := time.Now()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return sleepResult{Status: "task completed", SleptSeconds: d.Seconds()}, nil
		case <-tick.C:
			Logf(ctx, "slept %s of %s", time.Since(start).Round(time.Second), d)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type digestResult struct {
	SHA256 string `json:"sha256"`
}

// SHA256 returns the hex digest of the compacted payload.
func SHA256(_ context.Context, payload json.RawMessage) (any, error) {
	var buf bytes.Buffer
	if len(payload) > 0 {
		if err := json.Compact(&buf, payload); err != nil {
			return nil, fmt.Errorf("compact payload: %w", err)
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	return digestResult{SHA256: hex.EncodeToString(sum[:])}, nil
}

type failRequest struct {
	Message string `json:"message"`
}

// Fail always returns an error, using the payload's "message" when present.
func Fail(_ context.Context, payload json.RawMessage) (any, error) {
	var req failRequest
	_ = json.Unmarshal(payload, &req)
	if req.Message == "" {
		req.Message = "task failed"
	}
	return nil, errors.New(req.Message)
}
