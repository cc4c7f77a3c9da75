package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMisconfigured marks transport errors caused by the transport's own setup
// (malformed endpoint, missing credentials). They are not retried.
var ErrMisconfigured = errors.New("delivery transport misconfigured")

// Message is one rendered alert.
type Message struct {
	OccurrenceID uuid.UUID // Correlation id, uuid.Nil for probes
	SubjectID    uuid.UUID
	Recipient    string // Subject id as text unless the transport has its own addressing
	Text         string
	Timestamp    time.Time
}

// Transport defines a push mechanism for a single message.
// It returns an HTTP-style status code; timeouts and retries are owned by the caller.
type Transport interface {
	Send(ctx context.Context, msg Message) (int, error)
}

// IsSuccess reports whether code belongs to the success category.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
