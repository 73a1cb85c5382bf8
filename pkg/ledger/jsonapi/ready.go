package jsonapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
)

type healthWire struct {
	Version string `json:"version"`
}

// Ready probes the gateway once. A reachable gateway below MinVersion is a
// validation failure: polling will not fix it.
func (c *Client) Ready(ctx context.Context) error {
	const op = "jsonapi.Ready"

	var health healthWire
	if err := c.unary(ctx, op, http.MethodGet, "/v1/health", nil, &health); err != nil {
		return err
	}

	if c.cfg.MinVersion == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(">= " + c.cfg.MinVersion)
	if err != nil {
		return fault.Newf(fault.Validation, op, "invalid min_version %q: %v", c.cfg.MinVersion, err)
	}
	running, err := semver.NewVersion(health.Version)
	if err != nil {
		return fault.Newf(fault.Validation, op, "gateway reports unparsable version %q: %v", health.Version, err)
	}
	if !constraint.Check(running) {
		return fault.Newf(fault.Validation, op,
			"gateway version %s is below required %s", health.Version, c.cfg.MinVersion)
	}
	return nil
}

// WaitReady polls Ready until it succeeds, fails terminally, or the
// configured ready timeout lapses.
func (c *Client) WaitReady(ctx context.Context) error {
	const op = "jsonapi.WaitReady"

	deadline := time.Now().Add(c.cfg.ReadyTimeout)
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.cfg.ReadyPollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if time.Now().After(deadline) {
				return &fault.Error{Class: fault.Transient, Code: fault.CodeTimeout, Op: op,
					Msg: fmt.Sprintf("gateway not ready after %s", c.cfg.ReadyTimeout), Err: lastErr}
			}
		}

		err := c.Ready(ctx)
		if err == nil {
			c.logger.Info("gateway ready", "attempts", attempt+1)
			return nil
		}
		// A version mismatch or auth rejection will not heal with time.
		if !fault.Retryable(err) {
			return err
		}
		lastErr = err
		c.logger.Debug("gateway not ready", "attempt", attempt+1, "error", err)
	}
}
