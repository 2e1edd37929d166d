package client

import (
	"context"
	"fmt"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/ledger"
	"github.com/solgammon/gammonrelay/soltx"
)

// Bootstrap operations: the single-signer transactions that create, join or
// cancel an escrow session. These run before (or instead of) the co-signing
// engine, so they talk to the authority directly.

func soloSubmit(ctx context.Context, a ledger.Authority, kp *soltx.Keypair, tx *soltx.Tx) error {
	anchor, err := a.RecentAnchor(ctx)
	if err != nil {
		return fmt.Errorf("recent anchor: %w", err)
	}
	tx.SetRecentAnchor(anchor)
	if err := tx.Sign(kp); err != nil {
		return err
	}
	if err := tx.VerifyFull(); err != nil {
		return err
	}
	sig, err := a.Submit(ctx, tx.Serialize())
	if err != nil {
		return err
	}
	return a.Confirm(ctx, sig)
}

// CreateSession stakes and creates the escrow account. The caller becomes
// participant A; the session then awaits the counterparty's deposit.
func CreateSession(ctx context.Context, a ledger.Authority, kp *soltx.Keypair,
	accounts soltx.SessionAccounts, gameID, stakeLamports, moveFeeLamports uint64,
	board [gammon.BoardSize]byte) error {

	if accounts.PlayerA != kp.Pub {
		return fmt.Errorf("creator %s must be participant A", kp.Pub)
	}
	tx := soltx.NewInitGame(accounts, gameID, stakeLamports, moveFeeLamports, board)
	return soloSubmit(ctx, a, kp, tx)
}

// JoinSession deposits the counterparty stake, activating the session.
func JoinSession(ctx context.Context, a ledger.Authority, kp *soltx.Keypair,
	accounts soltx.SessionAccounts) error {

	if accounts.PlayerB != kp.Pub {
		return fmt.Errorf("joiner %s must be participant B", kp.Pub)
	}
	tx := soltx.NewJoinGame(accounts)
	return soloSubmit(ctx, a, kp, tx)
}

// CancelSession refunds the creator's stake while the session is still
// awaiting its counterparty. Rejected by the escrow program once joined.
func CancelSession(ctx context.Context, a ledger.Authority, kp *soltx.Keypair,
	accounts soltx.SessionAccounts) error {

	if accounts.PlayerA != kp.Pub {
		return fmt.Errorf("only participant A may cancel, not %s", kp.Pub)
	}
	tx := soltx.NewCancelGame(accounts)
	return soloSubmit(ctx, a, kp, tx)
}
