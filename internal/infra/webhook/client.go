package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"birthday_notification_service/internal/domain/delivery"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const userAgent = "BirthdayNotificationService/1.0"

// Payload is the JSON body posted for every alert.
type Payload struct {
	Message      string    `json:"message"`
	UserID       string    `json:"userId"`
	OccurrenceID string    `json:"occurrenceId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Test         bool      `json:"test,omitempty"`
}

// Client posts alerts to a single HTTP endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient validates endpoint up front; a malformed URL is a configuration error.
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url %q: %v: %w", endpoint, err, delivery.ErrMisconfigured)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url %q must be an absolute http(s) url: %w", endpoint, delivery.ErrMisconfigured)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{endpoint: u.String(), httpClient: httpClient}, nil
}

// Send posts msg and returns the endpoint's status code. Deadlines come from ctx.
func (c *Client) Send(ctx context.Context, msg delivery.Message) (int, error) {
	payload := Payload{
		Message:   msg.Text,
		UserID:    msg.Recipient,
		Timestamp: msg.Timestamp.UTC(),
	}
	if msg.OccurrenceID == uuid.Nil {
		payload.Test = true
	} else {
		payload.OccurrenceID = msg.OccurrenceID.String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %v: %w", err, delivery.ErrMisconfigured)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
