// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"panic-relay/internal/adapters/dto"
	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
	"panic-relay/internal/metrics"
)

// Ensure PanicClient implements the dispatch and ack ports
var (
	_ ports.DispatchClient = (*PanicClient)(nil)
	_ ports.AckClient      = (*PanicClient)(nil)
)

const (
	triggerPath = "/api/panic/trigger"
	ackPath     = "/api/panic/{alertId}/ack"

	defaultTimeout = 10 * time.Second
)

// PanicClient talks to the alert REST service.
// Requests are never retried: a retried trigger could raise a second emergency.
type PanicClient struct {
	http   *resty.Client
	tokens ports.TokenSource
}

// NewPanicClient creates a client for baseURL
func NewPanicClient(baseURL string, timeout time.Duration, tokens ports.TokenSource) *PanicClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &PanicClient{
		http:   client,
		tokens: tokens,
	}
}

// Dispatch posts the trigger and returns the created alert id
func (c *PanicClient) Dispatch(ctx context.Context, longPress bool) (id int64, err error) {
	trigger := metrics.TriggerLabel(longPress)
	defer func() {
		metrics.DispatchTotal.WithLabelValues(trigger, resultLabel(err)).Inc()
	}()

	token, err := c.token()
	if err != nil {
		return 0, err
	}

	slog.Info("Sending panic trigger", "long_press", longPress)

	var result dto.TriggerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(dto.TriggerRequest{LongPress: longPress}).
		SetResult(&result).
		SetError(&dto.ErrorBody{}).
		Post(triggerPath)
	if err != nil {
		slog.Error("Panic trigger request failed", "error", err)
		return 0, fmt.Errorf("%w: trigger: %v", domain.ErrNetworkFailure, err)
	}

	if err := checkResponse("trigger", resp); err != nil {
		return 0, err
	}

	if result.ID == nil {
		slog.Error("Panic trigger response without id",
			"status_code", resp.StatusCode(),
			"body", string(resp.Body()),
		)
		return 0, fmt.Errorf("%w: trigger: response without id", domain.ErrNetworkFailure)
	}

	slog.Info("Panic alert created", "alert_id", *result.ID, "long_press", longPress)
	return *result.ID, nil
}

// Acknowledge posts the acknowledgment of an alert. The response body is ignored.
func (c *PanicClient) Acknowledge(ctx context.Context, req domain.AckRequest) (err error) {
	defer func() {
		metrics.AckTotal.WithLabelValues(metrics.BoolLabel(req.WithVideo), resultLabel(err)).Inc()
	}()

	token, err := c.token()
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("alertId", strconv.FormatInt(req.AlertID, 10)).
		SetBody(dto.AckRequestBody{WithVideo: req.WithVideo}).
		SetError(&dto.ErrorBody{}).
		Post(ackPath)
	if err != nil {
		slog.Error("Acknowledge request failed", "error", err, "alert_id", req.AlertID)
		return fmt.Errorf("%w: ack %d: %v", domain.ErrNetworkFailure, req.AlertID, err)
	}

	if err := checkResponse("ack", resp); err != nil {
		return err
	}

	slog.Info("Alert acknowledged on server",
		"alert_id", req.AlertID,
		"with_video", req.WithVideo,
	)
	return nil
}

func (c *PanicClient) token() (string, error) {
	if c.tokens == nil {
		return "", domain.ErrNotAuthenticated
	}
	token, err := c.tokens.AccessToken()
	if err != nil {
		if errors.Is(err, domain.ErrNotAuthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}
	if token == "" {
		return "", domain.ErrNotAuthenticated
	}
	return token, nil
}

// checkResponse maps a non-2xx response to the error taxonomy
func checkResponse(op string, resp *resty.Response) error {
	if !resp.IsError() && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}

	apiErr := &domain.APIError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*dto.ErrorBody); ok && body != nil {
		apiErr.Message = body.Error
	}

	slog.Error("Alert service rejected request",
		"op", op,
		"status_code", apiErr.Status,
		"message", apiErr.Message,
	)

	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: %w", domain.ErrNotAuthenticated, op, apiErr)
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrNetworkFailure, op, apiErr)
	}
}

func resultLabel(err error) string {
	if err != nil {
		return metrics.ResultFailure
	}
	return metrics.ResultOK
}
