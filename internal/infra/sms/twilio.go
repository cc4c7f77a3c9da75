package sms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"birthday_notification_service/internal/domain/delivery"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const whatsappPrefix = "whatsapp:"

type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string // E.164 number, or "whatsapp:+..." for WhatsApp
}

// Transport sends alerts as SMS (or WhatsApp) messages through Twilio.
type Transport struct {
	api  messageAPI
	from string
	to   string
}

func NewTransport(cfg Config) (*Transport, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("twilio account sid, auth token, from and to numbers are required: %w", delivery.ErrMisconfigured)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTransport(client.Api, cfg.From, cfg.To), nil
}

func newTransport(api messageAPI, from, to string) *Transport {
	if strings.HasPrefix(to, whatsappPrefix) && !strings.HasPrefix(from, whatsappPrefix) {
		from = whatsappPrefix + from
	}
	return &Transport{api: api, from: from, to: to}
}

func (t *Transport) Send(ctx context.Context, msg delivery.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(t.to)
	params.SetFrom(t.from)
	params.SetBody(msg.Text)

	type result struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.api.CreateMessage(params)
		done <- result{resp: resp, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r = <-done:
	}

	if r.err != nil {
		var restErr *twilioClient.TwilioRestError
		if errors.As(r.err, &restErr) {
			if restErr.Status == http.StatusUnauthorized || restErr.Status == http.StatusForbidden {
				return restErr.Status, fmt.Errorf("twilio rejected the credentials: %v: %w", r.err, delivery.ErrMisconfigured)
			}
			return restErr.Status, fmt.Errorf("twilio error %d: %w", restErr.Code, r.err)
		}
		return 0, fmt.Errorf("twilio request failed: %w", r.err)
	}
	if r.resp == nil || r.resp.Sid == nil {
		return http.StatusBadGateway, errors.New("twilio accepted the request but returned no message sid")
	}
	return http.StatusCreated, nil
}
