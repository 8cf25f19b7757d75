// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"database/sql"

	"github.com/btcsuite/btcmixer/mixer"
)

// SQLiteRecordDB is the SQLite implementation of the coinjoin record store.
type SQLiteRecordDB struct {
	db *sql.DB
}

// A SQLiteRecordDB persists mixer round records.
var _ mixer.RecordStore = (*SQLiteRecordDB)(nil)

// NewSQLiteRecordDB creates a new SQLite-based record store.
func NewSQLiteRecordDB(db *sql.DB) (*SQLiteRecordDB, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &SQLiteRecordDB{db: db}, nil
}

// AppendCoinjoinRecord appends the record to the coinjoin history.
func (s *SQLiteRecordDB) AppendCoinjoinRecord(ctx context.Context,
	rec *mixer.CoinjoinRecord) error {

	return appendRecord(ctx, s.db, rebindNoop, rec)
}

// GetCoinjoinRecord returns the record for the given round, or
// ErrRecordNotFound.
func (s *SQLiteRecordDB) GetCoinjoinRecord(ctx context.Context,
	roundID string) (*mixer.CoinjoinRecord, error) {

	return getRecord(ctx, s.db, rebindNoop, roundID)
}

// ListCoinjoinRecords returns the full coinjoin history, newest first.
func (s *SQLiteRecordDB) ListCoinjoinRecords(
	ctx context.Context) ([]*mixer.CoinjoinRecord, error) {

	return listRecords(ctx, s.db, rebindNoop)
}
