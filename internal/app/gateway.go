package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"birthday_notification_service/internal/domain/delivery"

	"github.com/sirupsen/logrus"
)

// GatewayConfig is the retry and timeout policy around a transport.
type GatewayConfig struct {
	MaxRetries     int           // Total send attempts per delivery
	AttemptTimeout time.Duration // Deadline of a single attempt
	BaseDelay      time.Duration // Wait before attempt n+1 is BaseDelay*n
}

// Breaker short-circuits attempts while the downstream is known to be failing.
type Breaker interface {
	Execute(fn func() error) error
}

// Gateway pushes a message through a transport with bounded retries.
type Gateway struct {
	transport delivery.Transport
	cfg       GatewayConfig
	breaker   Breaker
	log       *logrus.Entry
}

type GatewayOption func(*Gateway)

// WithBreaker wraps every attempt in b.
func WithBreaker(b Breaker) GatewayOption {
	return func(g *Gateway) { g.breaker = b }
}

func NewGateway(transport delivery.Transport, cfg GatewayConfig, log *logrus.Entry, opts ...GatewayOption) *Gateway {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	g := &Gateway{
		transport: transport,
		cfg:       cfg,
		log:       log.WithField("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Deliver reports whether msg was accepted by the transport. Transport failures
// are retried and reduced to false. A non-nil error is returned only for
// configuration errors (delivery.ErrMisconfigured), which are never retried.
func (g *Gateway) Deliver(ctx context.Context, msg delivery.Message) (bool, error) {
	entry := g.log.WithFields(logrus.Fields{
		"occurrence_id": msg.OccurrenceID,
		"subject_id":    msg.SubjectID,
	})

	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		code, err := g.attempt(ctx, msg)
		if err == nil && delivery.IsSuccess(code) {
			entry.WithField("attempt", attempt).Debug("Message delivered")
			return true, nil
		}
		if errors.Is(err, delivery.ErrMisconfigured) {
			entry.WithError(err).Error("Transport is misconfigured, not retrying")
			return false, err
		}
		entry.WithFields(logrus.Fields{"attempt": attempt, "status_code": code}).WithError(err).Warn("Delivery attempt failed")

		if attempt == g.cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(g.cfg.BaseDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			entry.WithError(ctx.Err()).Warn("Delivery abandoned while waiting to retry")
			return false, nil
		case <-timer.C:
		}
	}
	return false, nil
}

func (g *Gateway) attempt(ctx context.Context, msg delivery.Message) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	if g.breaker == nil {
		return g.transport.Send(attemptCtx, msg)
	}

	var code int
	err := g.breaker.Execute(func() error {
		var sendErr error
		code, sendErr = g.transport.Send(attemptCtx, msg)
		if sendErr != nil {
			return sendErr
		}
		if !delivery.IsSuccess(code) {
			return fmt.Errorf("transport answered with status %d", code)
		}
		return nil
	})
	return code, err
}

// Probe sends a single test message and reports whether the transport accepted it.
func (g *Gateway) Probe(ctx context.Context) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	code, err := g.transport.Send(attemptCtx, delivery.Message{
		Recipient: "probe",
		Text:      "Birthday notification service connectivity test",
		Timestamp: time.Now().UTC(),
	})
	if err != nil || !delivery.IsSuccess(code) {
		g.log.WithField("status_code", code).WithError(err).Warn("Transport probe failed")
		return false
	}
	g.log.Info("Transport probe succeeded")
	return true
}
