// Package blob fetches uploaded documents from the external blob store by
// URL. The store itself (upload, signing, retention) is an external
// collaborator; the pipeline only ever downloads.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for download failures.
var (
	ErrUnreachable = errors.New("blob store unreachable")
	ErrNotFound    = errors.New("blob not found")
	ErrTooLarge    = errors.New("blob exceeds download size limit")
	ErrTimeout     = errors.New("blob download timeout")
)

// Client downloads file bytes by URL.
type Client interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// HTTPClient implements Client over plain HTTP GET with a bounded timeout and
// a hard size cap.
type HTTPClient struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPClient creates a download client. maxSize caps the accepted body in
// bytes; anything larger fails with ErrTooLarge.
func NewHTTPClient(timeout time.Duration, maxSize int64) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		maxSize: maxSize,
	}
}

func (c *HTTPClient) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	if resp.ContentLength > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	// read one byte past the cap to distinguish exactly-at-limit from over
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, classifyError(err)
	}
	if int64(len(body)) > c.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxSize)
	}

	return body, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
