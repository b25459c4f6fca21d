package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
)

const (
	DefaultWebhookTimeout = 10 * time.Second
	providerWebhook       = "webhook"
	webhookURLKey         = "webhook_url"
	maxErrorBody          = 512
)

// InAppChannel records delivery without any transport; the notification row
// itself is the in-app inbox.
type InAppChannel struct{}

func (InAppChannel) Send(context.Context, *models.Notification, int) SendResult {
	return SendResult{Provider: providerInApp}
}

// WebhookOptions configures the outbound webhook transport.
type WebhookOptions struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
	// Client overrides the default http.Client; its Timeout is replaced.
	Client *http.Client
}

// WebhookChannel POSTs the notification to the webhook_url in its payload.
// Each destination host gets its own circuit breaker.
type WebhookChannel struct {
	client   *http.Client
	failures uint32
	openFor  time.Duration

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhookChannel(opts WebhookOptions) *WebhookChannel {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := opts.BreakerOpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	client := &http.Client{}
	if opts.Client != nil {
		copied := *opts.Client
		client = &copied
	}
	client.Timeout = timeout

	return &WebhookChannel{
		client:   client,
		failures: failures,
		openFor:  openFor,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *WebhookChannel) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[host]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[host]; ok {
		return cb
	}
	failures := c.failures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + host,
		MaxRequests: 1,
		Timeout:     c.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})
	c.breakers[host] = cb
	return cb
}

type webhookBody struct {
	NotificationID uuid.UUID                  `json:"notification_id"`
	TenantID       uuid.UUID                  `json:"tenant_id"`
	Severity       enums.NotificationSeverity `json:"severity"`
	Title          string                     `json:"title"`
	Body           string                     `json:"body"`
	Payload        json.RawMessage            `json:"payload,omitempty"`
	Attempt        int                        `json:"attempt"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("webhook responded %d", e.code)
	}
	return fmt.Sprintf("webhook responded %d: %s", e.code, e.body)
}

func (c *WebhookChannel) Send(ctx context.Context, n *models.Notification, attemptNo int) SendResult {
	res := SendResult{Provider: providerWebhook}

	dest, err := webhookDestination(n.Payload)
	if err != nil {
		res.Err = err
		res.Permanent = true
		res.Reason = ReasonMissingDestination
		return res
	}

	body, err := json.Marshal(webhookBody{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		Severity:       n.Severity,
		Title:          n.Title,
		Body:           n.Body,
		Payload:        n.Payload,
		Attempt:        attemptNo,
	})
	if err != nil {
		res.Err = err
		res.Permanent = true
		return res
	}

	_, err = c.breakerFor(dest.Host).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Barnlink-Notification-Id", n.ID.String())
		req.Header.Set("X-Barnlink-Attempt", strconv.Itoa(attemptNo))

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		code := resp.StatusCode
		res.ResponseCode = &code
		if code < 200 || code > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &statusError{code: code, body: strings.TrimSpace(string(snippet))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Nothing went out, so the attempt is not spent.
		res.Err = fmt.Errorf("webhook circuit open for %s: %w", dest.Host, err)
		res.Deferred = true
		res.RetryAfter = c.openFor
		return res
	}
	res.Err = err
	return res
}

func webhookDestination(payload json.RawMessage) (*url.URL, error) {
	if len(payload) == 0 {
		return nil, errors.New(ReasonMissingDestination)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%s: %w", ReasonMissingDestination, err)
	}
	raw, _ := fields[webhookURLKey].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New(ReasonMissingDestination)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s: invalid webhook url %q", ReasonMissingDestination, raw)
	}
	return u, nil
}
