// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrTxNotFound is returned by a Ledger when the requested transaction
	// is unknown. The resolver treats this as a per-coin condition and
	// excludes the coin from candidacy instead of failing the batch.
	ErrTxNotFound = errors.New("transaction not found")
)

// LedgerTx is a ledger transaction reduced to the facts the resolver needs.
type LedgerTx struct {
	// TxID is the transaction hash.
	TxID chainhash.Hash

	// Inputs are the outpoints consumed by the transaction.
	Inputs []wire.OutPoint

	// Outputs are the outputs created by the transaction.
	Outputs []*wire.TxOut

	// Confirmations is the confirmation depth of the transaction.
	Confirmations int32
}

// Ledger provides read access to the wallet's view of the chain. It is an
// injected collaborator; no wire transport is implied.
type Ledger interface {
	// ListUnspent returns the wallet's spendable unspent outputs.
	ListUnspent(ctx context.Context) ([]*Coin, error)

	// GetTransaction returns the transaction with the given hash, or
	// ErrTxNotFound when it is unknown.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*LedgerTx, error)

	// FilterOurOutputs returns the subset of the given outpoints that are
	// outputs owned by this wallet.
	FilterOurOutputs(ctx context.Context,
		ops []wire.OutPoint) ([]wire.OutPoint, error)
}

// AttachmentKeys identify an output to the label store by all three handles
// external systems may have attached data to.
type AttachmentKeys struct {
	// TxID is the hash of the output's owning transaction.
	TxID chainhash.Hash

	// PkScript is the output script (the address handle).
	PkScript []byte

	// OutPoint is the exact outpoint.
	OutPoint wire.OutPoint
}

// CoinjoinMeta is round metadata attached by a previous coinjoin, naming the
// anonymity scores of the round's outputs.
type CoinjoinMeta struct {
	// RoundID identifies the round.
	RoundID string

	// Coordinator names the coordinator that ran the round.
	Coordinator string

	// OutputScores maps each round output owned by this wallet to the
	// anonymity score recorded when the round completed.
	OutputScores map[wire.OutPoint]float64
}

// Attachments is everything the label store knows about one output.
type Attachments struct {
	// Labels are free form labels (user tags, "coinjoin", ...).
	Labels []string

	// AnonScore is an explicit anonymity override, if one is attached. It
	// takes precedence over any round metadata.
	AnonScore fn.Option[float64]

	// Coinjoins is the round metadata attached to the output's
	// transaction, if any.
	Coinjoins []*CoinjoinMeta
}

// LabelStore serves externally attached labels and coinjoin metadata. Labels
// can change between invocations, which is why resolver results carry a
// short expiry.
type LabelStore interface {
	// GetAttachments returns the attachments for the given keys. Missing
	// attachments are an empty result, not an error.
	GetAttachments(ctx context.Context,
		keys AttachmentKeys) (*Attachments, error)
}

// UtxoLocker is the externally provided UTXO lock manager. Locks taken
// through it are the mutual exclusion boundary between concurrent round
// attempts.
type UtxoLocker interface {
	// TryLock attempts to lock the outpoint, reporting whether the lock
	// was acquired.
	TryLock(ctx context.Context, op wire.OutPoint) (bool, error)

	// Unlock releases the locks on the given outpoints.
	Unlock(ctx context.Context, ops []wire.OutPoint) error

	// FindLocks returns the subset of the given outpoints that are
	// currently locked.
	FindLocks(ctx context.Context,
		ops []wire.OutPoint) (map[wire.OutPoint]struct{}, error)
}

// PaymentSource supplies the payments eligible for batching into a round,
// each already bound to its lifecycle sink.
type PaymentSource interface {
	// PendingPayments returns the payments that could be settled under
	// the given round parameters.
	PendingPayments(ctx context.Context,
		params *RoundParameters) ([]*PendingPayment, error)
}

// RecordStore durably persists the outcome of completed rounds.
type RecordStore interface {
	// AppendCoinjoinRecord appends the record to the wallet's coinjoin
	// history.
	AppendCoinjoinRecord(ctx context.Context, rec *CoinjoinRecord) error
}
