package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides an interface for journaling classification decisions.
// Writes of a batch are atomic.
type Store interface {
	// CreateSession registers a new classifier run and returns its identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - uuid: Externally visible session identifier, also used in published topics
	//   - config: Optional runtime configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - sessionID: Database identifier of the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, uuid string, config any) (sessionID int64, err error)

	// Session retrieves a session by its database identifier.
	Session(ctx context.Context, id int64) (*Session, error)

	// SessionByUUID retrieves a session by its UUID.
	SessionByUUID(ctx context.Context, uuid string) (*Session, error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) ([]*Session, error)

	// StoreClassifications saves a batch of decisions in a single transaction.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - sessionID: ID of the session the batch belongs to
	//   - batch: Decisions in emission order
	//
	// Returns:
	//   - error: If storage fails or context is cancelled
	StoreClassifications(ctx context.Context, sessionID int64, batch []Classification) error

	// Close releases all database connections. It is safe to call Close
	// multiple times.
	Close() error
}
