// Package remote defines the contract with the external system of record
// and provides an HTTP JSON adapter for it.
package remote

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/opsledger/forecast-sync/internal/model"
)

// ErrConflict is returned by PushDelta when the remote rejects the push
// because its version has advanced past the expected base version. It is an
// outcome, not a fault: the worker records per-field conflicts and stops.
var ErrConflict = eris.New("remote: version conflict")

// State is the remote's current view of one entity.
type State struct {
	Document model.Document `json:"document"`
	Version  int64          `json:"version"`
	// ModifiedBy identifies whoever last changed the entity remotely.
	ModifiedBy string `json:"modified_by,omitempty"`
}

// PushResult is the confirmed outcome of a successful delta push. The
// returned document is authoritative and replaces the mirror wholesale.
type PushResult struct {
	Document model.Document `json:"document"`
	Version  int64          `json:"version"`
}

// Client is the capability the sync engine consumes from the external
// system: read current state and version, write a delta against an expected
// base version.
type Client interface {
	FetchCurrentState(ctx context.Context, entityID string) (*State, error)
	// PushDelta applies deltaFields on the remote if its version still equals
	// expectedBaseVersion. Returns ErrConflict when the version has advanced
	// and a resilience.TransientError for retryable failures.
	PushDelta(ctx context.Context, entityID string, deltaFields model.Document, expectedBaseVersion int64) (*PushResult, error)
}
