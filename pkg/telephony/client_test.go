package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/numbers", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req acquireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AU", req.CountryCode)
		_ = json.NewEncoder(w).Encode(acquireResponse{PhoneNumber: "+61255501234"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "key"}, nil)
	n, err := c.AcquireChannel(context.Background(), "AU")
	require.NoError(t, err)
	assert.Equal(t, "+61255501234", n)
}

func TestAcquireChannelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of stock", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}, nil).AcquireChannel(context.Background(), "US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	_, err = NewClient(Config{}, nil).AcquireChannel(context.Background(), "US")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAcquireChannelTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewClient(Config{BaseURL: srv.URL, Timeout: 30 * time.Millisecond}, nil).AcquireChannel(context.Background(), "US")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
