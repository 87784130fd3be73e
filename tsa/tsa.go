// Package tsa requests RFC 3161 time-stamp tokens.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"go.uber.org/zap"
)

var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
)

// Client obtains a time-stamp token over data. The token is the DER encoded
// ContentInfo found in a time-stamp response.
type Client interface {
	Timestamp(ctx context.Context, data io.Reader, hash crypto.Hash) ([]byte, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, data io.Reader, hash crypto.Hash) ([]byte, error)

func (f Func) Timestamp(ctx context.Context, data io.Reader, hash crypto.Hash) ([]byte, error) {
	return f(ctx, data, hash)
}

// HTTPClient talks to a time-stamp authority over HTTP.
type HTTPClient struct {
	URL      string
	Username string
	Password string
	// Hash is used when the caller does not pick a hash, SHA-256 when unset.
	Hash crypto.Hash
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

func (c *HTTPClient) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Timestamp sends a time-stamp request for the digest of data and returns
// the token after checking its message imprint.
func (c *HTTPClient) Timestamp(ctx context.Context, data io.Reader, hash crypto.Hash) ([]byte, error) {
	if hash == 0 {
		hash = c.Hash
	}
	if hash == 0 {
		hash = crypto.SHA256
	}
	if !hash.Available() {
		return nil, fmt.Errorf("%w: hash %s not available", ErrTimestampFailed, hash)
	}

	h := hash.New()
	req, err := timestamp.CreateRequest(io.TeeReader(data, h), &timestamp.RequestOptions{
		Hash:         hash,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	digest := h.Sum(nil)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request (%s): %w", c.URL, err)
	}
	httpReq.Header.Add("Content-Type", "application/timestamp-query")
	httpReq.Header.Add("Content-Transfer-Encoding", "binary")
	if c.Username != "" && c.Password != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	c.logger().Debug("requesting timestamp", zap.String("url", c.URL), zap.Stringer("hash", hash))
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: non success response (%d): %s", ErrTimestampFailed, resp.StatusCode, body)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	if ts.HashAlgorithm != hash || !bytes.Equal(ts.HashedMessage, digest) {
		return nil, ErrTimestampMismatch
	}

	c.logger().Debug("timestamp received", zap.String("url", c.URL), zap.Time("time", ts.Time))
	return ts.RawToken, nil
}

// Verify parses token, checks the signature of the time-stamp authority
// when its certificate is embedded and compares the message imprint with
// the digest of data.
func Verify(token []byte, data io.Reader) (*timestamp.Timestamp, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp token: %w", err)
	}
	if !ts.HashAlgorithm.Available() {
		return nil, fmt.Errorf("timestamp hash %s not available", ts.HashAlgorithm)
	}
	h := ts.HashAlgorithm.New()
	if _, err := io.Copy(h, data); err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
		return ts, ErrTimestampMismatch
	}
	return ts, nil
}
