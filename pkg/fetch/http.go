package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// request is a single http request to be sent with retries.
type request struct {
	method  string
	url     string
	headers map[string]string
	// accept lists the status codes that are not errors
	// besides 200.
	accept []int
}

// retry runs op until it succeeds, fails permanently or runs out
// of attempts. Only network errors are retried.
func (c *Coordinator) retry(ctx context.Context, op func(ctx context.Context) error) error {
	log := logr.FromContextOrDiscard(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNetwork) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		log.V(1).Info("request failed, retrying", "attempt", attempt, "backoff", d.String(), "error", err.Error())
	})
}

// send performs one attempt of r. The returned response is
// either 200 or one of the accepted codes, and its body must
// be read before cancel is called.
func (c *Coordinator) send(ctx context.Context, r request) (*http.Response, context.CancelFunc, error) {
	log := logr.FromContextOrDiscard(ctx)

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	req, err := http.NewRequestWithContext(rctx, r.method, r.url, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("preparing request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range r.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if c.opts.Auth != nil {
		if err := c.opts.Auth.Authenticate(req); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}
	}

	log.V(5).Info("sending request", "method", r.method, "url", r.url)
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	log.V(5).Info("received response", "method", r.method, "url", r.url, "code", resp.StatusCode)

	if resp.StatusCode == http.StatusOK {
		return resp, cancel, nil
	}
	for _, code := range r.accept {
		if resp.StatusCode == code {
			return resp, cancel, nil
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	cancel()
	return nil, nil, statusErr(r.url, resp.StatusCode)
}

func statusErr(url string, code int) error {
	serr := &StatusError{URL: url, StatusCode: code}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuth, serr)
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %w", ErrNotFound, serr)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: %w", ErrNetwork, serr)
	default:
		return serr
	}
}

// probe checks whether url exists with a HEAD request.
func (c *Coordinator) probe(ctx context.Context, url string) (bool, error) {
	var found bool
	err := c.retry(ctx, func(ctx context.Context) error {
		resp, cancel, err := c.send(ctx, request{method: http.MethodHead, url: url})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				found = false
				return nil
			}
			var serr *StatusError
			if errors.As(err, &serr) && !errors.Is(err, ErrNetwork) && !errors.Is(err, ErrAuth) {
				// e.g. 405, the server cannot tell us
				found = false
				return nil
			}
			return err
		}
		defer cancel()
		_ = resp.Body.Close()
		found = true
		return nil
	})
	return found, err
}
