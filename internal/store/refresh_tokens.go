package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// RefreshTokenStore persists rotated session refresh tokens by their
// SHA-256 hash — the raw token never touches the database.
type RefreshTokenStore struct {
	db *gorm.DB
}

func NewRefreshTokenStore(gdb *gorm.DB) *RefreshTokenStore {
	return &RefreshTokenStore{db: gdb}
}

func (s *RefreshTokenStore) Create(ctx context.Context, rt *db.RefreshToken) error {
	if err := s.db.WithContext(ctx).Create(rt).Error; err != nil {
		return fmt.Errorf("store: create refresh token: %w", err)
	}
	return nil
}

func (s *RefreshTokenStore) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var rt db.RefreshToken
	if err := s.db.WithContext(ctx).First(&rt, "token_hash = ?", hash).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get refresh token by hash: %w", err)
	}
	return &rt, nil
}

func (s *RefreshTokenStore) DeleteByHash(ctx context.Context, hash string) error {
	if err := s.db.WithContext(ctx).Where("token_hash = ?", hash).Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("store: delete refresh token: %w", err)
	}
	return nil
}

// DeleteAllForUser revokes every outstanding refresh token for a user —
// used when a user is deactivated.
func (s *RefreshTokenStore) DeleteAllForUser(ctx context.Context, userID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("store: delete refresh tokens for user: %w", err)
	}
	return nil
}
