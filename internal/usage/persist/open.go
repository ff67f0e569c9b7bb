package persist

import (
	"context"
	"time"
)

// Options selects and configures a backend.
type Options struct {
	// FilePath is the JSON document used when MongoDB is not configured or
	// unreachable.
	FilePath string

	// Mongo is attempted first when URI and Database are both set.
	Mongo MongoOptions

	MaxHistory int
	Location   *time.Location
}

// Open returns the MongoDB backend when it is configured and answers a
// ping, and the file backend otherwise. It never fails: an unusable file
// backend is still returned and reports Available() == false.
func Open(ctx context.Context, opts Options) Backend {
	if opts.Mongo.URI != "" && opts.Mongo.Database != "" {
		mopts := opts.Mongo
		if mopts.Location == nil {
			mopts.Location = opts.Location
		}
		if mopts.MaxHistory == 0 {
			mopts.MaxHistory = opts.MaxHistory
		}

		m, err := NewMongo(ctx, mopts)
		if err == nil {
			return m
		}
		log.Warn("mongodb unavailable, falling back to file backend",
			"database", opts.Mongo.Database,
			"path", opts.FilePath,
			"error", err)
	}

	return NewFile(opts.FilePath, opts.Location)
}
