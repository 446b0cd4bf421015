package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/resilience"
)

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient implements Client against a JSON-over-HTTP system of record.
type HTTPClient struct {
	base    *url.URL
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
}

// NewHTTPClient creates an HTTP client for the external system. All calls go
// through a circuit breaker so a run of remote outages rejects fast instead
// of holding worker slots on timeouts.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "remote: parse base url %s", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base:  base,
		httpc: &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
	}, nil
}

type pushRequest struct {
	Delta           model.Document `json:"delta"`
	ExpectedVersion int64          `json:"expected_version"`
}

// FetchCurrentState reads the entity's current remote document and version.
func (c *HTTPClient) FetchCurrentState(ctx context.Context, entityID string) (*State, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*State, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entityURL(entityID), nil)
		if err != nil {
			return nil, eris.Wrap(err, "remote: build fetch request")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "remote: fetch %s", entityID), 0)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "remote: read fetch body"), 0)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var st State
			if err := json.Unmarshal(body, &st); err != nil {
				return nil, eris.Wrapf(err, "remote: decode state for %s", entityID)
			}
			return &st, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, eris.Wrapf(model.ErrNotFound, "remote entity %s", entityID)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(
				eris.Errorf("remote: fetch %s returned %d", entityID, resp.StatusCode), resp.StatusCode)
		default:
			return nil, eris.Errorf("remote: fetch %s returned %d", entityID, resp.StatusCode)
		}
	})
}

// PushDelta writes the delta against the expected base version.
func (c *HTTPClient) PushDelta(ctx context.Context, entityID string, deltaFields model.Document, expectedBaseVersion int64) (*PushResult, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*PushResult, error) {
		payload, err := json.Marshal(pushRequest{Delta: deltaFields, ExpectedVersion: expectedBaseVersion})
		if err != nil {
			return nil, eris.Wrap(err, "remote: marshal push request")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.entityURL(entityID), bytes.NewReader(payload))
		if err != nil {
			return nil, eris.Wrap(err, "remote: build push request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "remote: push %s", entityID), 0)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "remote: read push body"), 0)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var res PushResult
			if err := json.Unmarshal(body, &res); err != nil {
				return nil, eris.Wrapf(err, "remote: decode push result for %s", entityID)
			}
			return &res, nil
		case resp.StatusCode == http.StatusConflict:
			return nil, eris.Wrapf(ErrConflict, "entity %s at version %d", entityID, expectedBaseVersion)
		case resp.StatusCode == http.StatusNotFound:
			return nil, eris.Wrapf(model.ErrNotFound, "remote entity %s", entityID)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(
				eris.Errorf("remote: push %s returned %d", entityID, resp.StatusCode), resp.StatusCode)
		default:
			return nil, eris.Errorf("remote: push %s returned %d", entityID, resp.StatusCode)
		}
	})
}

func (c *HTTPClient) entityURL(entityID string) string {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, "entities", entityID)
	return u.String()
}
