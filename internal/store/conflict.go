package store

import (
	"gorm.io/gorm/clause"
)

// onConflictUpdateValue upserts AppMetadata: on a duplicate key, overwrite
// the value and updated_at columns (last-writer-wins, spec §5).
func onConflictUpdateValue() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}
}

// onConflictDoNothing backs the "maybe-create" primitive used by
// AppMetadataStore.GetOrCreate: a concurrent racer's insert is silently
// dropped, and the caller re-reads the row that actually won.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}

// onConflictSnapshot upserts a Snapshot keyed by (service, kind): a poller
// refresh overwrites the prior payload/status rather than accumulating rows.
func onConflictSnapshot() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "payload", "updated_at"}),
	}
}
