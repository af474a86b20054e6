package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/id"
)

// Transport moves one encoded request to the target and returns the raw
// response body.
type Transport interface {
	Call(ctx context.Context, t Target, body []byte) ([]byte, error)
	Close() error
}

// Healer brings a node that stopped answering back to life.
type Healer interface {
	Revive(ctx context.Context, node id.Node) error
}

type Options struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Client struct {
	transport Transport
	opts      Options
	breaker   *Breaker
	healer    Healer
	logger    logging.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(transport Transport, opts Options, logger logging.Logger) *Client {
	return &Client{
		transport: transport,
		opts:      opts,
		breaker:   NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		logger:    logger,
		sleep:     sleepContext,
	}
}

// SetHealer enables self-healing reconnection.
func (c *Client) SetHealer(h Healer) {
	c.healer = h
}

func (c *Client) Breaker() *Breaker {
	return c.breaker
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// Send invokes t.Method on t.Service at t.Node with positional args and
// returns the encoded result.
func (c *Client) Send(ctx context.Context, t Target, args ...any) (json.RawMessage, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	body, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	dest := t.Node.Addr()
	if err := c.breaker.Allow(dest); err != nil {
		return nil, err
	}

	resp, err := c.callWithRetry(ctx, t, body)
	if err != nil && IsTransient(err) && c.healer != nil {
		resp, err = c.heal(ctx, t, body, err)
	}
	if err != nil {
		c.breaker.Failure(dest)
		if _, open := c.breaker.State(dest); open {
			c.logger.Warn("Circuit opened", "dest", dest, "cooldown", c.opts.BreakerCooldown.String())
		}
		return nil, err
	}
	c.breaker.Success(dest)

	return decodeResponse(resp)
}

// Call is Send followed by decoding the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, t Target, out any, args ...any) error {
	value, err := c.Send(ctx, t, args...)
	if err != nil {
		return err
	}
	if out == nil || isNull(value) {
		return nil
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decoding result of %s: %w", t, err)
	}
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, t Target, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.transport.Call(ctx, t, body)
		if err == nil {
			return resp, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		if attempt >= c.opts.MaxRetries {
			return nil, fmt.Errorf("%s: giving up after %d attempts: %w", t, attempt+1, err)
		}

		delay := c.backoff(attempt)
		c.logger.Debug("Retrying call", "target", t.String(), "attempt", attempt+1, "delay", delay.String(), "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) heal(ctx context.Context, t Target, body []byte, cause error) ([]byte, error) {
	c.logger.Warn("Destination down, reviving", "node", t.Node.Addr(), "error", cause)
	if err := c.healer.Revive(ctx, t.Node); err != nil {
		return nil, fmt.Errorf("%w (revive failed: %v)", cause, err)
	}
	c.logger.Info("Destination revived, retrying once", "node", t.Node.Addr())
	return c.transport.Call(ctx, t, body)
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.opts.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base << attempt
	if c.opts.BackoffMax > 0 && (delay > c.opts.BackoffMax || delay <= 0) {
		delay = c.opts.BackoffMax
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
