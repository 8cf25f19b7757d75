// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package db persists the outcomes of completed coinjoin rounds. It offers a
// SQLite backend for embedded deployments and a PostgreSQL backend for shared
// ones, both behind the same store surface and schema.
package db

import (
	"context"

	"github.com/btcsuite/btcmixer/mixer"
)

// RecordStore is the full coinjoin record store surface shared by the SQLite
// and PostgreSQL implementations: the append contract the mixer engine needs
// plus the read side for history consumers.
type RecordStore interface {
	mixer.RecordStore

	// GetCoinjoinRecord returns the record for the given round, or
	// ErrRecordNotFound.
	GetCoinjoinRecord(ctx context.Context,
		roundID string) (*mixer.CoinjoinRecord, error)

	// ListCoinjoinRecords returns the full coinjoin history, newest
	// first.
	ListCoinjoinRecords(ctx context.Context) ([]*mixer.CoinjoinRecord,
		error)
}

// Both backends satisfy the full store surface.
var (
	_ RecordStore = (*SQLiteRecordDB)(nil)
	_ RecordStore = (*PostgresRecordDB)(nil)
)
