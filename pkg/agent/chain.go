package agent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/task"
)

// ChainClient is the coordination-substrate boundary. Implementations
// surface errors verbatim; retrying is the agent's job.
type ChainClient interface {
	// SubscribeTasks delivers newly observable tasks until ctx is done.
	SubscribeTasks(ctx context.Context, fn func(task.Task)) error
	// ClaimTask claims the task and returns the transaction signature.
	ClaimTask(ctx context.Context, t task.Task) (string, error)
	// CompleteTask submits the output and returns the transaction signature.
	CompleteTask(ctx context.Context, t task.Task, output []*big.Int) (string, error)
	// GetSlot returns the current slot.
	GetSlot(ctx context.Context) (uint64, error)
}

// RetryConfig shapes the exponential backoff applied to chain calls.
type RetryConfig struct {
	BaseMs      int64   `json:"baseMs" yaml:"baseMs"`
	Factor      float64 `json:"factor" yaml:"factor"`
	CapMs       int64   `json:"capMs" yaml:"capMs"`
	MaxAttempts int     `json:"maxAttempts" yaml:"maxAttempts"`
}

// DefaultRetry is base 1s, factor 2, cap 30s, 3 attempts.
func DefaultRetry() RetryConfig {
	return RetryConfig{BaseMs: 1000, Factor: 2, CapMs: 30_000, MaxAttempts: 3}
}

// Backoff returns the delay before the given attempt (1-based retry
// index, so attempt 1 waits the base delay).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := float64(c.BaseMs)
	for i := 1; i < attempt; i++ {
		delay *= c.Factor
	}
	if cap := float64(c.CapMs); delay > cap {
		delay = cap
	}
	return time.Duration(delay) * time.Millisecond
}

// withRetry runs op until it succeeds, retries are exhausted, or ctx is
// cancelled. The last error is wrapped with the attempt count.
func withRetry(ctx context.Context, cfg RetryConfig, sleep func(context.Context, time.Duration) error, op func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			if err := sleep(ctx, cfg.Backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("agent: %d attempts exhausted: %w", attempts, lastErr)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
