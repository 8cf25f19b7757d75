// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcmixer/mixer"
)

// PostgresRecordDB is the PostgreSQL implementation of the coinjoin record
// store.
type PostgresRecordDB struct {
	db *sql.DB
}

// A PostgresRecordDB persists mixer round records.
var _ mixer.RecordStore = (*PostgresRecordDB)(nil)

// NewPostgresRecordDB creates a new PostgreSQL-based record store.
func NewPostgresRecordDB(db *sql.DB) (*PostgresRecordDB, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &PostgresRecordDB{db: db}, nil
}

// AppendCoinjoinRecord appends the record to the coinjoin history.
func (p *PostgresRecordDB) AppendCoinjoinRecord(ctx context.Context,
	rec *mixer.CoinjoinRecord) error {

	return appendRecord(ctx, p.db, rebindDollar, rec)
}

// GetCoinjoinRecord returns the record for the given round, or
// ErrRecordNotFound.
func (p *PostgresRecordDB) GetCoinjoinRecord(ctx context.Context,
	roundID string) (*mixer.CoinjoinRecord, error) {

	return getRecord(ctx, p.db, rebindDollar, roundID)
}

// ListCoinjoinRecords returns the full coinjoin history, newest first.
func (p *PostgresRecordDB) ListCoinjoinRecords(
	ctx context.Context) ([]*mixer.CoinjoinRecord, error) {

	return listRecords(ctx, p.db, rebindDollar)
}
