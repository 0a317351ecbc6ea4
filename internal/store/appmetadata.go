package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// AppMetadataStore persists the process-wide AppMetadata key/value table
// (spec §4.1: "callers treat reads as 'latest committed value'").
type AppMetadataStore struct {
	gdb *gorm.DB
}

func NewAppMetadataStore(gdb *gorm.DB) *AppMetadataStore {
	return &AppMetadataStore{gdb: gdb}
}

// Get deserializes the JSON blob stored under key into out. Returns
// ErrNotFound if the key does not exist.
func (s *AppMetadataStore) Get(ctx context.Context, key string, out any) error {
	var row db.AppMetadata
	if err := s.gdb.WithContext(ctx).First(&row, "key = ?", key).Error; err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("store: get app metadata %q: %w", key, err)
	}
	if string(row.Value) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		return fmt.Errorf("store: unmarshal app metadata %q: %w", key, err)
	}
	return nil
}

// Set writes value as one JSON blob under key in a single transaction
// (spec §5: "callers that need atomicity... write the entire value as one
// transaction"). Last-writer-wins at the row level.
func (s *AppMetadataStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal app metadata %q: %w", key, err)
	}

	row := db.AppMetadata{Key: key, Value: db.EncryptedString(data)}
	err = s.gdb.WithContext(ctx).Clauses(onConflictUpdateValue()).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: set app metadata %q: %w", key, err)
	}
	return nil
}

// GetOrCreate implements the "maybe-create" primitive needed for the
// signing_key bootstrap (spec §9): if key is absent, generate stores
// generator() and persists it; otherwise returns the existing value. Safe
// against concurrent first-callers via an INSERT ... ON CONFLICT DO NOTHING
// followed by a read-back inside one transaction.
func (s *AppMetadataStore) GetOrCreate(ctx context.Context, key string, generator func() (string, error)) (string, error) {
	var result string
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row db.AppMetadata
		err := tx.First(&row, "key = ?", key).Error
		if err == nil {
			result = string(row.Value)
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("store: get app metadata %q: %w", key, err)
		}

		value, genErr := generator()
		if genErr != nil {
			return fmt.Errorf("store: generate app metadata %q: %w", key, genErr)
		}

		row = db.AppMetadata{Key: key, Value: db.EncryptedString(value)}
		if err := tx.Clauses(onConflictDoNothing()).Create(&row).Error; err != nil {
			return fmt.Errorf("store: create app metadata %q: %w", key, err)
		}

		// Re-read in case a concurrent transaction won the race.
		if err := tx.First(&row, "key = ?", key).Error; err != nil {
			return fmt.Errorf("store: read back app metadata %q: %w", key, err)
		}
		result = string(row.Value)
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
