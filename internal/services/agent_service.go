package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
)

// AgentInvoker is the opaque capability behind the agent boundary. The three
// pipeline agents share one implementation and differ only by agent id and
// instruction text.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, instruction string) (*models.AgentReply, error)
	HealthCheck(ctx context.Context) error
}

const maxReplyBytes = 10 << 20

// HTTPAgentClient performs one request/response exchange per invocation
// against a single uniform endpoint. Transport failures are retried with
// exponential backoff; replies that arrive with success=false are returned
// untouched for the stage parsers to interpret, never retried here.
type HTTPAgentClient struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxTries   uint
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *logger.Logger
}

func NewHTTPAgentClient(cfg config.AgentConfig, log *logger.Logger) *HTTPAgentClient {
	maxTries := cfg.MaxRetries
	if maxTries < 1 {
		maxTries = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "agent-boundary",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerMaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &HTTPAgentClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxTries:   uint(maxTries),
		retryDelay: cfg.RetryDelay,
		breaker:    breaker,
		logger:     log,
	}
}

func (c *HTTPAgentClient) Invoke(ctx context.Context, agentID, instruction string) (*models.AgentReply, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invokeWithRetry(ctx, agentID, instruction)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = models.NewTransportError(agentID, "invoke", err).WithMetadata("breaker", "open")
	}

	fields := logger.Fields{"instruction_chars": len(instruction)}
	if err != nil {
		c.logger.LogAgent("", agentID, "invoke", time.Since(start), fields, err)
		return nil, err
	}

	reply := result.(*models.AgentReply)
	fields["remote_success"] = reply.Success
	c.logger.LogAgent("", agentID, "invoke", time.Since(start), fields, nil)
	return reply, nil
}

// invokeWithRetry retries the exchange on transport failures only. A reply
// envelope that decoded, even one reporting success=false, ends the loop:
// remote-reported failures are not retry-safe.
func (c *HTTPAgentClient) invokeWithRetry(ctx context.Context, agentID, instruction string) (*models.AgentReply, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryDelay

	return backoff.Retry(ctx, func() (*models.AgentReply, error) {
		reply, err := c.exchange(ctx, agentID, instruction)
		if err != nil {
			if models.IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return reply, nil
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("retrying agent invocation",
				"agent_id", agentID,
				"next_attempt_in", next.String(),
				"error", err.Error(),
			)
		}),
	)
}

func (c *HTTPAgentClient) exchange(ctx context.Context, agentID, instruction string) (*models.AgentReply, error) {
	body, err := json.Marshal(models.AgentRequest{AgentID: agentID, Message: instruction})
	if err != nil {
		return nil, fmt.Errorf("encoding agent request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building agent request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewTransportError(agentID, "invoke", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, models.NewTransportError(agentID, "read_reply", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, models.NewTransportError(agentID, "invoke",
			fmt.Errorf("agent boundary answered %s: %s", resp.Status, truncate(string(raw), 200)),
		).WithStatus(resp.StatusCode)
	}

	var reply models.AgentReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, models.NewTransportError(agentID, "decode_envelope", err)
	}
	return &reply, nil
}

// HealthCheck verifies the boundary is reachable. Any HTTP answer counts;
// only a failed exchange or a server-side error is unhealthy.
func (c *HTTPAgentClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent boundary unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("agent boundary unhealthy: %s", resp.Status)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
