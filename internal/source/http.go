package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client with bounded dial and TLS handshakes.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// permanentError stops Retry early.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Retry calls fn up to attempts times with exponential backoff capped at
// max. Errors wrapped as permanent are returned at once.
func Retry(ctx context.Context, attempts int, initial, max time.Duration, fn func() error) error {
	if attempts <= 1 {
		return unwrapPermanent(fn())
	}
	d := initial
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			d = min(d*2, max)
		}
		if err = fn(); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return err
}

func unwrapPermanent(err error) error {
	var perm permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

// getJSON fetches url and decodes the JSON body into out. Client errors
// (4xx) are not retried.
func (b base) getJSON(ctx context.Context, url string, out any) error {
	return Retry(ctx, b.cfg.MaxRetries, b.cfg.Backoff, 10*b.cfg.Backoff+time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return permanentError{err}
		}
		req.Header.Set("Accept", "application/json")
		if b.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", b.cfg.UserAgent)
		}
		resp, err := b.opts.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("unexpected status %s", resp.Status)
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return permanentError{err}
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return permanentError{fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
}

// getBody fetches url and returns the raw body.
func (b base) getBody(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := Retry(ctx, b.cfg.MaxRetries, b.cfg.Backoff, 10*b.cfg.Backoff+time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return permanentError{err}
		}
		if b.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", b.cfg.UserAgent)
		}
		resp, err := b.opts.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			err := fmt.Errorf("unexpected status %s", resp.Status)
			if resp.StatusCode < 500 {
				return permanentError{err}
			}
			return err
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	return body, err
}
