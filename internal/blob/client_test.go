package blob_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/gradeflow/internal/blob"
)

func TestDownload_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Q1. Define X (5 Marks)"))
	}))
	defer srv.Close()

	c := blob.NewHTTPClient(5*time.Second, 1<<20)
	body, err := c.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Q1. Define X (5 Marks)", string(body))
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := blob.NewHTTPClient(5*time.Second, 1<<20)
	_, err := c.Download(context.Background(), srv.URL)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestDownload_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := blob.NewHTTPClient(5*time.Second, 1<<20)
	_, err := c.Download(context.Background(), srv.URL)
	assert.ErrorIs(t, err, blob.ErrUnreachable)
}

func TestDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	c := blob.NewHTTPClient(5*time.Second, 64)
	_, err := c.Download(context.Background(), srv.URL)
	assert.ErrorIs(t, err, blob.ErrTooLarge)
}

func TestDownload_ExactlyAtLimit(t *testing.T) {
	payload := strings.Repeat("x", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := blob.NewHTTPClient(5*time.Second, 64)
	body, err := c.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, body, 64)
}

func TestDownload_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := blob.NewHTTPClient(50*time.Millisecond, 1<<20)
	_, err := c.Download(context.Background(), srv.URL)
	assert.ErrorIs(t, err, blob.ErrTimeout)
}

func TestDownload_Unreachable(t *testing.T) {
	// closed server: connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := blob.NewHTTPClient(time.Second, 1<<20)
	_, err := c.Download(context.Background(), url)
	assert.ErrorIs(t, err, blob.ErrUnreachable)
}
