package httpapi

import (
	"time"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondWithData(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

func respondWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Message: message})
}

type userResponse struct {
	ID                   string    `json:"id"`
	FirstName            string    `json:"firstName"`
	LastName             string    `json:"lastName"`
	Birthday             string    `json:"birthday"`
	Location             string    `json:"location,omitempty"`
	Timezone             string    `json:"timezone"`
	PendingNotifications *int      `json:"pendingNotifications,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func newUserResponse(s *subject.Subject) userResponse {
	return userResponse{
		ID:        s.ID.String(),
		FirstName: s.FirstName,
		LastName:  s.LastName,
		Birthday:  s.Anniversary.Format(subject.DateLayout),
		Location:  s.Location,
		Timezone:  s.Timezone,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func newUserViewResponse(v *app.SubjectView) userResponse {
	resp := newUserResponse(v.Subject)
	pending := v.PendingNotifications
	resp.PendingNotifications = &pending
	return resp
}

type occurrenceResponse struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	ScheduledAt  time.Time  `json:"scheduledAt"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attemptCount"`
	ErrorKind    string     `json:"errorKind,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
}

func newOccurrenceResponse(o *occurrence.Occurrence) occurrenceResponse {
	resp := occurrenceResponse{
		ID:           o.ID.String(),
		UserID:       o.SubjectID.String(),
		ScheduledAt:  o.ScheduledAt.UTC(),
		Status:       string(o.Status),
		AttemptCount: o.AttemptCount,
		ErrorKind:    string(o.ErrorKind),
		LastError:    o.LastError.String,
	}
	if o.SentAt.Valid {
		sent := o.SentAt.Time.UTC()
		resp.SentAt = &sent
	}
	return resp
}
