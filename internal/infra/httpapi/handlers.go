package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"
	"birthday_notification_service/internal/infra/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SubjectService interface {
	Create(ctx context.Context, in app.SubjectInput) (*subject.Subject, error)
	Update(ctx context.Context, id uuid.UUID, in app.SubjectInput) (*subject.Subject, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*app.SubjectView, error)
}

type StatusReporter interface {
	Status(ctx context.Context) (scheduler.Status, error)
}

type Retrier interface {
	ListExhausted(ctx context.Context) ([]*occurrence.Occurrence, error)
	RetryNow(ctx context.Context, id uuid.UUID) (bool, error)
}

type userRequest struct {
	FirstName string `json:"firstName" binding:"required"`
	LastName  string `json:"lastName" binding:"required"`
	Birthday  string `json:"birthday" binding:"required"` // YYYY-MM-DD
	Location  string `json:"location"`
	Timezone  string `json:"timezone" binding:"required"`
}

func (r userRequest) toInput() (app.SubjectInput, error) {
	birthday, err := time.Parse(subject.DateLayout, r.Birthday)
	if err != nil {
		return app.SubjectInput{}, errors.New("birthday must be in YYYY-MM-DD format")
	}
	return app.SubjectInput{
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Anniversary: birthday,
		Location:    r.Location,
		Timezone:    r.Timezone,
	}, nil
}

type handlers struct {
	subjects SubjectService
	status   StatusReporter
	retrier  Retrier
	log      *logrus.Entry
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) createUser(c *gin.Context) {
	in, ok := bindUser(c)
	if !ok {
		return
	}
	created, err := h.subjects.Create(c.Request.Context(), in)
	if err != nil {
		h.subjectError(c, err, "Failed to create user")
		return
	}
	respondWithData(c, http.StatusCreated, "User created successfully", newUserResponse(created))
}

func (h *handlers) updateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	in, ok := bindUser(c)
	if !ok {
		return
	}
	updated, err := h.subjects.Update(c.Request.Context(), id, in)
	if err != nil {
		h.subjectError(c, err, "Failed to update user")
		return
	}
	respondWithData(c, http.StatusOK, "User updated successfully", newUserResponse(updated))
}

func (h *handlers) deleteUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.subjects.Delete(c.Request.Context(), id); err != nil {
		h.subjectError(c, err, "Failed to delete user")
		return
	}
	respondWithData(c, http.StatusOK, "User deleted successfully", nil)
}

func (h *handlers) getUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.subjects.Get(c.Request.Context(), id)
	if err != nil {
		h.subjectError(c, err, "Failed to get user")
		return
	}
	respondWithData(c, http.StatusOK, "", newUserViewResponse(view))
}

func (h *handlers) schedulerStatus(c *gin.Context) {
	st, err := h.status.Status(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to read scheduler status")
		respondWithError(c, http.StatusInternalServerError, "Failed to read scheduler status")
		return
	}
	respondWithData(c, http.StatusOK, "", st)
}

func (h *handlers) listFailed(c *gin.Context) {
	exhausted, err := h.retrier.ListExhausted(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to list exhausted occurrences")
		respondWithError(c, http.StatusInternalServerError, "Failed to list failed notifications")
		return
	}
	out := make([]occurrenceResponse, 0, len(exhausted))
	for _, o := range exhausted {
		out = append(out, newOccurrenceResponse(o))
	}
	respondWithData(c, http.StatusOK, "", out)
}

func (h *handlers) retryOccurrence(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sent, err := h.retrier.RetryNow(c.Request.Context(), id)
	switch {
	case errors.Is(err, occurrence.ErrNotFound):
		respondWithError(c, http.StatusNotFound, "Notification not found")
	case errors.Is(err, app.ErrOccurrenceNotRetryable):
		respondWithError(c, http.StatusConflict, "Notification is not in a failed state")
	case err != nil:
		h.log.WithError(err).WithField("occurrence_id", id).Error("Manual retry failed")
		respondWithError(c, http.StatusInternalServerError, "Failed to retry notification")
	case sent:
		respondWithData(c, http.StatusOK, "Notification delivered", gin.H{"delivered": true})
	default:
		respondWithData(c, http.StatusOK, "Delivery failed again", gin.H{"delivered": false})
	}
}

func (h *handlers) subjectError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidSubject), errors.Is(err, app.ErrInvalidTimezone):
		respondWithError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrSubjectAlreadyExists):
		respondWithError(c, http.StatusConflict, err.Error())
	case errors.Is(err, subject.ErrNotFound):
		respondWithError(c, http.StatusNotFound, "User not found")
	default:
		h.log.WithError(err).Error(fallback)
		respondWithError(c, http.StatusInternalServerError, fallback)
	}
}

func bindUser(c *gin.Context) (app.SubjectInput, bool) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return app.SubjectInput{}, false
	}
	in, err := req.toInput()
	if err != nil {
		respondWithError(c, http.StatusBadRequest, err.Error())
		return app.SubjectInput{}, false
	}
	return in, true
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}
