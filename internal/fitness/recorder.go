package fitness

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// recordCreate queues a freshly inserted root. The entity has no global id yet.
func recordCreate(tx *gorm.DB, kind EntityKind, ref EntityRef, now time.Time) error {
	localID := ref.LocalID
	entry := ChangeQueueEntry{
		Table:    kind.String(),
		LocalID:  &localID,
		OwnerID:  ref.OwnerID,
		QueuedAt: now.UTC(),
	}
	return tx.Create(&entry).Error
}

// recordUpdate queues an edited root unless an entry for it is already pending.
// Pending entries are left alone: the uploader re-reads the row at upload time.
func recordUpdate(tx *gorm.DB, kind EntityKind, ref EntityRef, now time.Time) error {
	_, found, err := pendingEntry(tx, kind, ref.LocalID)
	if err != nil || found {
		return err
	}
	localID := ref.LocalID
	entry := ChangeQueueEntry{
		Table:    kind.String(),
		LocalID:  &localID,
		GlobalID: copyID(ref.GlobalID),
		OwnerID:  ref.OwnerID,
		QueuedAt: now.UTC(),
	}
	return tx.Create(&entry).Error
}

// recordDelete leaves a delete-intent marker for rows the server knows about and
// forgets pending work for rows it never saw. The caller deletes the row itself.
func recordDelete(tx *gorm.DB, kind EntityKind, ref EntityRef, now time.Time) error {
	existing, found, err := pendingEntry(tx, kind, ref.LocalID)
	if err != nil {
		return err
	}

	if ref.GlobalID == nil {
		if !found {
			return nil
		}
		return tx.Delete(&ChangeQueueEntry{}, existing.QueueID).Error
	}

	if found {
		if existing.GlobalID != nil {
			return nil
		}
		return tx.Model(&ChangeQueueEntry{}).
			Where("queue_id = ?", existing.QueueID).
			Update(columnGlobalID, *ref.GlobalID).Error
	}

	localID := ref.LocalID
	entry := ChangeQueueEntry{
		Table:    kind.String(),
		LocalID:  &localID,
		GlobalID: copyID(ref.GlobalID),
		OwnerID:  ref.OwnerID,
		QueuedAt: now.UTC(),
	}
	return tx.Create(&entry).Error
}

func pendingEntry(tx *gorm.DB, kind EntityKind, localID int64) (ChangeQueueEntry, bool, error) {
	var entry ChangeQueueEntry
	err := tx.Where(queryQueueEntity, kind.String(), localID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChangeQueueEntry{}, false, nil
	}
	if err != nil {
		return ChangeQueueEntry{}, false, err
	}
	return entry, true, nil
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}
