package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// OIDCProviderStore persists the single optional external identity provider
// configuration.
type OIDCProviderStore struct {
	db *gorm.DB
}

func NewOIDCProviderStore(gdb *gorm.DB) *OIDCProviderStore {
	return &OIDCProviderStore{db: gdb}
}

// GetEnabled returns the one enabled OIDC provider, or ErrNotFound if none
// is configured or enabled.
func (s *OIDCProviderStore) GetEnabled(ctx context.Context) (*db.OIDCProvider, error) {
	var p db.OIDCProvider
	if err := s.db.WithContext(ctx).First(&p, "enabled = ?", true).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get enabled oidc provider: %w", err)
	}
	return &p, nil
}

func (s *OIDCProviderStore) Upsert(ctx context.Context, p *db.OIDCProvider) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("store: upsert oidc provider: %w", err)
	}
	return nil
}
