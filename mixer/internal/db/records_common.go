// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcmixer/mixer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Coin direction discriminator in the coinjoin_coins table.
const (
	dirConsumed = 0
	dirProduced = 1
)

// rebinder rewrites the generic `?` placeholders into the dialect's
// placeholder syntax. SQLite keeps them as-is; Postgres numbers them.
type rebinder func(query string) string

// rebindNoop is the SQLite rebinder.
func rebindNoop(query string) string {
	return query
}

// rebindDollar is the Postgres rebinder.
func rebindDollar(query string) string {
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

const (
	insertRecordSQL = `
		INSERT INTO coinjoin_records
			(round_id, coordinator, txid, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`

	insertCoinSQL = `
		INSERT INTO coinjoin_coins
			(record_id, direction, txid, vout, amount, anon_score,
			 payment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	findRecordSQL = `
		SELECT id FROM coinjoin_records
		WHERE round_id = ? AND txid = ?`

	getRecordSQL = `
		SELECT id, round_id, coordinator, txid, created_at
		FROM coinjoin_records
		WHERE round_id = ?`

	listRecordsSQL = `
		SELECT id, round_id, coordinator, txid, created_at
		FROM coinjoin_records
		ORDER BY created_at DESC, id DESC`

	getCoinsSQL = `
		SELECT direction, txid, vout, amount, anon_score, payment_id
		FROM coinjoin_coins
		WHERE record_id = ?
		ORDER BY id`
)

// appendRecord inserts the record and all of its coins in one transaction.
// A record for the same round and realized transaction maps to
// ErrDuplicateRecord.
func appendRecord(ctx context.Context, db *sql.DB, rebind rebinder,
	rec *mixer.CoinjoinRecord) error {

	return execInTx(ctx, db, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(
			ctx, rebind(findRecordSQL), rec.RoundID,
			rec.TxID[:],
		).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("%w: round %s tx %v",
				ErrDuplicateRecord, rec.RoundID, rec.TxID)

		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check record: %w", err)
		}

		var recordID int64
		err = tx.QueryRowContext(
			ctx, rebind(insertRecordSQL), rec.RoundID,
			rec.Coordinator, rec.TxID[:],
			rec.CreatedAt.UTC(),
		).Scan(&recordID)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}

		for _, c := range rec.CoinsIn {
			err := insertCoin(
				ctx, tx, rebind, recordID, dirConsumed,
				c.OutPoint, c.Amount, c.AnonScore,
				fn.None[string](),
			)
			if err != nil {
				return err
			}
		}

		for _, c := range rec.CoinsOut {
			err := insertCoin(
				ctx, tx, rebind, recordID, dirProduced,
				c.OutPoint, c.Amount, c.AnonScore, c.PaymentID,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// insertCoin inserts one consumed or produced coin row.
func insertCoin(ctx context.Context, tx *sql.Tx, rebind rebinder,
	recordID int64, direction int, op wire.OutPoint,
	amount btcutil.Amount, anonScore float64,
	paymentID fn.Option[string]) error {

	var pid sql.NullString
	paymentID.WhenSome(func(id string) {
		pid = sql.NullString{String: id, Valid: true}
	})

	_, err := tx.ExecContext(
		ctx, rebind(insertCoinSQL), recordID, direction, op.Hash[:],
		int64(op.Index), int64(amount), anonScore, pid,
	)
	if err != nil {
		return fmt.Errorf("insert coin %v: %w", op, err)
	}

	return nil
}

// recordRow is the flat shape of a coinjoin_records row.
type recordRow struct {
	id          int64
	roundID     string
	coordinator string
	txid        []byte
	createdAt   time.Time
}

// getRecord reads the record for a round, including its coins.
func getRecord(ctx context.Context, db *sql.DB, rebind rebinder,
	roundID string) (*mixer.CoinjoinRecord, error) {

	var row recordRow
	err := db.QueryRowContext(ctx, rebind(getRecordSQL), roundID).Scan(
		&row.id, &row.roundID, &row.coordinator, &row.txid,
		&row.createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("round %s: %w", roundID,
			ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	return assembleRecord(ctx, db, rebind, row)
}

// listRecords reads the full coinjoin history, newest first.
func listRecords(ctx context.Context, db *sql.DB,
	rebind rebinder) ([]*mixer.CoinjoinRecord, error) {

	rows, err := db.QueryContext(ctx, rebind(listRecordsSQL))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var flat []recordRow
	for rows.Next() {
		var row recordRow
		err := rows.Scan(
			&row.id, &row.roundID, &row.coordinator, &row.txid,
			&row.createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		flat = append(flat, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	recs := make([]*mixer.CoinjoinRecord, 0, len(flat))
	for _, row := range flat {
		rec, err := assembleRecord(ctx, db, rebind, row)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	return recs, nil
}

// assembleRecord converts a record row plus its coin rows into the domain
// record.
func assembleRecord(ctx context.Context, db *sql.DB, rebind rebinder,
	row recordRow) (*mixer.CoinjoinRecord, error) {

	txid, err := chainhash.NewHash(row.txid)
	if err != nil {
		return nil, fmt.Errorf("record %d txid: %w", row.id, err)
	}

	rec := &mixer.CoinjoinRecord{
		RoundID:     row.roundID,
		Coordinator: row.coordinator,
		TxID:        *txid,
		CreatedAt:   row.createdAt.UTC(),
	}

	rows, err := db.QueryContext(ctx, rebind(getCoinsSQL), row.id)
	if err != nil {
		return nil, fmt.Errorf("get coins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			direction int
			hashBytes []byte
			vout      int64
			amount    int64
			anonScore float64
			paymentID sql.NullString
		)
		err := rows.Scan(
			&direction, &hashBytes, &vout, &amount, &anonScore,
			&paymentID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan coin: %w", err)
		}

		hash, err := chainhash.NewHash(hashBytes)
		if err != nil {
			return nil, fmt.Errorf("coin txid: %w", err)
		}

		op := wire.OutPoint{Hash: *hash, Index: uint32(vout)}

		switch direction {
		case dirConsumed:
			rec.CoinsIn = append(rec.CoinsIn, mixer.ConsumedCoin{
				OutPoint:  op,
				Amount:    btcutil.Amount(amount),
				AnonScore: anonScore,
			})

		case dirProduced:
			pid := fn.None[string]()
			if paymentID.Valid {
				pid = fn.Some(paymentID.String)
			}
			rec.CoinsOut = append(rec.CoinsOut, mixer.ProducedCoin{
				OutPoint:  op,
				Amount:    btcutil.Amount(amount),
				AnonScore: anonScore,
				PaymentID: pid,
			})

		default:
			return nil, fmt.Errorf("record %d: unknown coin "+
				"direction %d", row.id, direction)
		}
	}

	return rec, rows.Err()
}
