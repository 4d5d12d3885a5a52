package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/ptymux/internal/transport"
)

// FollowOptions configures Follow.
type FollowOptions struct {
	URL   string
	Token string

	// LastEventID resumes after a known event.
	LastEventID string

	Backoff    transport.BackoffPolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ErrStop can be returned by a Follow handler to end the stream without
// an error.
var ErrStop = errors.New("sse: stop")

// Follow reads an event stream and calls fn for each event, reconnecting
// when the stream ends. Reconnects resend Last-Event-ID and wait for the
// server's retry hint when one was given, the backoff schedule otherwise.
// It returns when ctx ends, fn fails, or the server refuses the token.
func Follow(ctx context.Context, opts FollowOptions, fn func(Event) error) error {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lastID := opts.LastEventID
	var retry time.Duration
	attempt := 0

	for {
		received, err := followOnce(ctx, client, opts, lastID, func(event Event, scanner *Scanner) error {
			lastID = scanner.LastEventID()
			return fn(event)
		}, &retry)
		if errors.Is(err, ErrStop) {
			return nil
		}
		var authErr *transport.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		var handlerErr *handlerError
		if errors.As(err, &handlerErr) {
			return handlerErr.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			attempt = 0
		}
		attempt++

		delay := opts.Backoff.Delay(attempt)
		if retry > 0 {
			delay = retry
		}
		logger.Debug("event stream ended, reconnecting", "url", opts.URL, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func followOnce(ctx context.Context, client *http.Client, opts FollowOptions, lastID string, fn func(Event, *Scanner) error, retry *time.Duration) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return false, &handlerError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, &transport.TransportError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &transport.AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("GET %s: %s", opts.URL, resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return false, &transport.TransportError{Op: "connect", Err: fmt.Errorf("GET %s: %s", opts.URL, resp.Status)}
	}

	scanner := NewScanner(resp.Body)
	received := false
	for scanner.Next() {
		received = true
		if r := scanner.Retry(); r > 0 {
			*retry = r
		}
		if err := fn(scanner.Event(), scanner); err != nil {
			if errors.Is(err, ErrStop) {
				return true, err
			}
			return true, &handlerError{err: err}
		}
	}
	if r := scanner.Retry(); r > 0 {
		*retry = r
	}
	if err := scanner.Err(); err != nil {
		return received, &transport.TransportError{Op: "read", Err: err}
	}
	return received, errors.New("stream closed by server")
}
