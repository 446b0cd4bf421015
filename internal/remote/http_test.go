package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestFetchCurrentState_OK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/entities/fx-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(State{
			Document:   model.Document{"amount": model.Number(200)},
			Version:    7,
			ModifiedBy: "rep-jones",
		})
	})

	st, err := c.FetchCurrentState(context.Background(), "fx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Version)
	assert.Equal(t, "rep-jones", st.ModifiedBy)
	assert.True(t, model.Number(200).Equal(st.Document["amount"]))
}

func TestFetchCurrentState_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.FetchCurrentState(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, resilience.IsTransient(err))
}

func TestFetchCurrentState_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchCurrentState(context.Background(), "fx-1")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestPushDelta_OK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/entities/fx-1", r.URL.Path)

		var req pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(3), req.ExpectedVersion)
		assert.True(t, model.Number(150).Equal(req.Delta["amount"]))

		_ = json.NewEncoder(w).Encode(PushResult{
			Document: model.Document{"amount": model.Number(150)},
			Version:  4,
		})
	})

	res, err := c.PushDelta(context.Background(), "fx-1",
		model.Document{"amount": model.Number(150)}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Version)
}

func TestPushDelta_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	_, err := c.PushDelta(context.Background(), "fx-1", model.Document{}, 3)
	assert.True(t, eris.Is(err, ErrConflict))
	assert.False(t, resilience.IsTransient(err))
}

func TestPushDelta_ClientErrorNotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	_, err := c.PushDelta(context.Background(), "fx-1", model.Document{}, 3)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestClient_CircuitOpensOnRepeatedOutage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	// The breaker's default threshold is five consecutive transient failures.
	var err error
	for i := 0; i < 6; i++ {
		_, err = c.FetchCurrentState(ctx, "fx-1")
		require.Error(t, err)
	}
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
