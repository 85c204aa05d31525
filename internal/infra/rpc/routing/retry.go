// Package routing decides how node RPC failures are handled.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults for one-shot calls.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        10 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

func (a ErrorAction) String() string {
	if a == ActionFatal {
		return "fatal"
	}
	return "retry"
}

// ClassifyError determines the action for a given error. Node-reported
// errors are answers, not outages: retrying them cannot change the result,
// except while the node is warming up.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ActionFatal
	}

	if code, ok := provider.ErrorCode(err); ok {
		if code == provider.CodeInWarmup {
			return ActionRetry
		}
		return ActionFatal
	}

	sLower := strings.ToLower(err.Error())
	if strings.Contains(sLower, "unauthorized") {
		return ActionFatal
	}

	// Default to Retry (network, 5xx, work queue)
	return ActionRetry
}

// CallWithRetry runs op until it succeeds, fails with a fatal error or
// runs out of attempts. Delays grow by BackoffMultiple up to MaxDelay.
func CallWithRetry(ctx context.Context, p provider.Provider, op provider.Operation, config RetryConfig) (json.RawMessage, error) {
	var (
		lastErr error
		delay   = config.InitialDelay
	)
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err := p.Execute(ctx, op)
		if err == nil {
			return result, nil
		}
		if ClassifyError(err) == ActionFatal {
			return nil, err
		}
		lastErr = err
		if attempt == config.MaxAttempts {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay = config.next(delay)
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", op.Name, config.MaxAttempts, lastErr)
}

func (c RetryConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * c.BackoffMultiple)
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
