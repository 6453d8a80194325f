package fitness

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReassignOwner moves every syncable root and pending queue entry of fromID to toID.
// It touches local rows only and runs in one transaction.
func (s *Store) ReassignOwner(ctx context.Context, fromID, toID int64) (int64, error) {
	var moved int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		moved = 0
		for _, kind := range SyncOrder {
			model, err := rootModel(kind)
			if err != nil {
				return err
			}
			result := tx.Model(model).Where(queryOwnerID, fromID).Update(columnOwnerID, toID)
			if result.Error != nil {
				return result.Error
			}
			moved += result.RowsAffected
		}
		return tx.Model(&ChangeQueueEntry{}).Where(queryOwnerID, fromID).Update(columnOwnerID, toID).Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("local data reassigned",
		zap.Int64("from_user_id", fromID),
		zap.Int64("user_id", toID),
		zap.Int64("rows", moved))
	return moved, nil
}

// HasDataOwnedBy reports whether ownerID owns any syncable row.
func (s *Store) HasDataOwnedBy(ctx context.Context, ownerID int64) (bool, error) {
	counts, err := s.CountOwned(ctx, ownerID)
	if err != nil {
		return false, err
	}
	for _, count := range counts {
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CountOwned returns the number of rows ownerID owns per kind.
func (s *Store) CountOwned(ctx context.Context, ownerID int64) (map[EntityKind]int64, error) {
	db := s.db.WithContext(ctx)
	counts := make(map[EntityKind]int64, len(SyncOrder))
	for _, kind := range SyncOrder {
		model, err := rootModel(kind)
		if err != nil {
			return nil, err
		}
		var count int64
		if err := db.Model(model).Where(queryOwnerID, ownerID).Count(&count).Error; err != nil {
			return nil, err
		}
		counts[kind] = count
	}
	return counts, nil
}
