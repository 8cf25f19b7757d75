// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import "errors"

var (
	// ErrNilDB is returned when a store is constructed around a nil
	// database handle.
	ErrNilDB = errors.New("nil database handle")

	// ErrRecordNotFound is returned when the requested coinjoin record
	// does not exist.
	ErrRecordNotFound = errors.New("coinjoin record not found")

	// ErrDuplicateRecord is returned when a record for the same round and
	// transaction already exists. Appends are idempotent from the caller's
	// point of view, so stores map the underlying constraint violation to
	// this error.
	ErrDuplicateRecord = errors.New("coinjoin record already exists")
)
