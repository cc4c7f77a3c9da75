package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"birthday_notification_service/internal/domain/delivery"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RejectsMalformedURLs(t *testing.T) {
	for _, raw := range []string{"", "not a url", "ftp://example.com/hook", "/relative/path", "http://"} {
		_, err := NewClient(raw, nil)
		assert.ErrorIs(t, err, delivery.ErrMisconfigured, raw)
	}

	_, err := NewClient("https://hooks.example.com/birthday", nil)
	assert.NoError(t, err)
}

func TestClient_Send(t *testing.T) {
	var (
		got     Payload
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	occID, subjID := uuid.New(), uuid.New()
	ts := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	code, err := c.Send(context.Background(), delivery.Message{
		OccurrenceID: occID,
		SubjectID:    subjID,
		Recipient:    subjID.String(),
		Text:         "Hey, Jane Doe it's your birthday",
		Timestamp:    ts,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)

	assert.Equal(t, "Hey, Jane Doe it's your birthday", got.Message)
	assert.Equal(t, subjID.String(), got.UserID)
	assert.Equal(t, occID.String(), got.OccurrenceID)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.False(t, got.Test)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, userAgent, headers.Get("User-Agent"))
}

func TestClient_ProbeIsMarkedAsTest(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	code, err := c.Send(context.Background(), delivery.Message{Recipient: "probe", Text: "ping"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, got.Test)
	assert.Empty(t, got.OccurrenceID)
}

func TestClient_SendFailures(t *testing.T) {
	t.Run("non-2xx is returned as a status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, nil)
		require.NoError(t, err)
		code, err := c.Send(context.Background(), delivery.Message{OccurrenceID: uuid.New()})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("timeout is a transport error", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c, err := NewClient(srv.URL, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = c.Send(ctx, delivery.Message{OccurrenceID: uuid.New()})
		require.Error(t, err)
		assert.NotErrorIs(t, err, delivery.ErrMisconfigured)
	})

	t.Run("unreachable host is a transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := srv.URL
		srv.Close()

		c, err := NewClient(url, nil)
		require.NoError(t, err)
		_, err = c.Send(context.Background(), delivery.Message{OccurrenceID: uuid.New()})
		assert.Error(t, err)
	})
}
