// internal/domain/occurrence/status.go
package occurrence

// Status is the delivery state of an occurrence.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight" // Transient lock state, held only while a delivery is running
	StatusSent     Status = "sent"      // Terminal
	StatusFailed   Status = "failed"    // Retried by recovery until the attempt budget runs out
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSent, StatusFailed:
		return true
	}
	return false
}

// ErrorKind classifies why an occurrence ended up failed.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindTransport      ErrorKind = "transport"       // Delivery retries exhausted
	ErrorKindConfiguration  ErrorKind = "configuration"   // Transport rejected its own setup (bad endpoint etc.)
	ErrorKindPersistence    ErrorKind = "persistence"     // Claim or lookup failed in the store
	ErrorKindSubjectMissing ErrorKind = "subject_missing" // Subject vanished between planning and delivery
	ErrorKindAbandoned      ErrorKind = "abandoned"       // Stuck in_flight with no attempts left
)
