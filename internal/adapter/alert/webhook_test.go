package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSink_Send(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	err := s.Send(context.Background(), "DLQ depth 5", map[string]any{"depth": 5})
	require.NoError(t, err)
	assert.Equal(t, "DLQ depth 5", got["text"])
	details, _ := got["details"].(map[string]any)
	assert.EqualValues(t, 5, details["depth"])
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	err := s.Send(context.Background(), "subject", nil)
	require.Error(t, err)
}

func TestWebhookSink_EmptyURLLogsOnly(t *testing.T) {
	t.Parallel()
	s := NewWebhookSink("")
	require.NoError(t, s.Send(context.Background(), "subject", nil))
}
