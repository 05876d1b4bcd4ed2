package types

import "errors"

var (
	// ErrAborted marks work cut short by cancellation or a deadline.
	// Recorded as failure.timedout and never retried.
	ErrAborted = errors.New("aborted")

	// ErrNoPiece marks a deal that lacks the piece cid a retrieval
	// probe requires
	ErrNoPiece = errors.New("deal has no piece cid")
)
