// Package store is the consolidated persistence layer for CloudLab Manager
// (Store, C1). It replaces the teacher's split repository/repositories
// packages with one set of narrow, per-aggregate interfaces sharing the same
// ListOptions/ErrNotFound conventions.
//
// Every exported method that mutates state accepts a context. Store.Transaction
// groups several writes so they commit or roll back together; no API handler
// or job dispatch currently calls it, and none writes an AuditLog row for its
// mutation.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ListOptions contains common pagination and filtering options for list
// queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// ErrNotFound is returned by store methods when the requested record does
// not exist. Callers should use errors.Is to distinguish it from other
// database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a uniqueness or
// immutability constraint (duplicate name, mutating a system row, deleting a
// role that still has members).
var ErrConflict = errors.New("conflict")

// Store bundles a *gorm.DB handle with Transaction, a primitive for
// committing several writes (for example a write and its AuditLog entry via
// WriteAudit) in one scoped session.
type Store struct {
	DB *gorm.DB
}

// New wraps an opened *gorm.DB as a Store.
func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Transaction runs fn inside a database transaction. On normal return the
// transaction commits; on any returned error, or on panic, it rolls back.
// This is the Store's "scoped session"; the API handlers write through the
// per-aggregate stores directly and do not acquire one.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(fn)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
