// Package retry adds bounded exponential backoff to idempotent broker
// reads. Order submission is deliberately excluded: resubmitting against
// stale prices is unsafe, so a failed submit goes back through a fresh
// snapshot and the risk gate instead.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/tbaxter/fopbot/internal/broker"
)

// Config tunes the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is suitable for startup reconciliation reads.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps a broker's read-only calls with retries.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient creates a retrying read client.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{broker: b, logger: logger, config: cfg}
}

// GetPositions fetches the venue position report with retries.
func (c *Client) GetPositions(ctx context.Context) ([]broker.PositionReport, error) {
	return doWithRetry(ctx, c, "get positions", func() ([]broker.PositionReport, error) {
		return c.broker.GetPositions()
	})
}

// GetAccountBalance fetches account equity with retries.
func (c *Client) GetAccountBalance(ctx context.Context) (float64, error) {
	return doWithRetry(ctx, c, "get account balance", func() (float64, error) {
		return c.broker.GetAccountBalance()
	})
}

// doWithRetry runs one idempotent call until it succeeds, the error turns
// permanent, or the attempt budget runs out.
func doWithRetry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err
		c.logger.Printf("[RETRY] %s attempt %d/%d failed: %v", op, attempt+1, c.config.MaxRetries+1, err)

		if !isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

// nextBackoff grows the delay 1.5x up to the cap, with up to 25% jitter so
// concurrent clients do not retry in lockstep.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("[RETRY] jitter generation failed: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
