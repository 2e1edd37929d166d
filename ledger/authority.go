package ledger

import (
	"context"
	"errors"

	"github.com/solgammon/gammonrelay/gammon"
)

var (
	// ErrSessionNotFound means the escrow account does not exist (never
	// created, or closed after finish/refund).
	ErrSessionNotFound = errors.New("session account not found on ledger")

	// ErrTxRejected means the ledger refused the transaction; retrying the
	// same bytes will not help.
	ErrTxRejected = errors.New("transaction rejected by ledger")
)

// Authority is the consumed interface of the escrow ledger. Implementations
// must be safe for concurrent use.
type Authority interface {
	// SessionState fetches and decodes the escrow account for key.
	SessionState(ctx context.Context, key gammon.ID) (*SessionState, error)

	// RecentAnchor returns the reference point a transaction must carry to
	// be accepted as recent.
	RecentAnchor(ctx context.Context) ([32]byte, error)

	// Submit broadcasts a fully signed transaction and returns its
	// signature identifier.
	Submit(ctx context.Context, rawTx []byte) (string, error)

	// Confirm blocks until the submitted transaction is confirmed or
	// rejected, or ctx ends.
	Confirm(ctx context.Context, sigID string) error
}
