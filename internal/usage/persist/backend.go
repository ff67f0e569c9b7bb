// Package persist provides the durable stores behind the usage engine.
//
// Two backends implement Backend: a whole-document JSON file and MongoDB.
// Open picks one at startup; the engine never knows which.
package persist

import (
	"context"

	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("persist")

// Backend stores and restores the engine's complete state.
//
// Flush is called after every successful ingestion with a snapshot the
// backend may keep; the engine never mutates it afterwards. Load is called
// once at startup. Implementations must round-trip History and Buckets
// losslessly.
type Backend interface {
	Name() string
	Flush(ctx context.Context, snap *types.Snapshot) error
	Load(ctx context.Context) (*types.Snapshot, error)
	Available() bool
	Close(ctx context.Context) error
}

// Stats is implemented by backends that can report storage statistics.
type Stats interface {
	Stats(ctx context.Context) (map[string]any, error)
}
