package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedGuestUser    = "2026-09-14_seed_guest_user"
	migrationSeedMuscleGroups = "2026-09-14_seed_muscle_groups"
	migrationDropOrphanQueue  = "2026-10-02_drop_orphan_create_entries"

	guestEmail = "guest@local"
)

// MuscleGroupNames is the reference data every installation starts with.
var MuscleGroupNames = []string{
	"chest", "back", "shoulders", "biceps", "triceps", "forearms",
	"core", "quads", "hamstrings", "glutes", "calves", "full_body",
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationSeedGuestUser, apply: seedGuestUser},
		{name: migrationSeedMuscleGroups, apply: seedMuscleGroups},
		{name: migrationDropOrphanQueue, apply: dropOrphanCreateEntries},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedGuestUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&fitness.User{}).Where("is_guest = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.Create(&fitness.User{Email: guestEmail, IsGuest: true}).Error
}

func seedMuscleGroups(db *gorm.DB) error {
	groups := make([]fitness.MuscleGroup, 0, len(MuscleGroupNames))
	for _, name := range MuscleGroupNames {
		groups = append(groups, fitness.MuscleGroup{Name: name})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&groups).Error
}

// dropOrphanCreateEntries removes queued creates whose local row no longer exists.
// The server never saw those rows, so there is nothing to upload.
func dropOrphanCreateEntries(db *gorm.DB) error {
	for _, kind := range fitness.SyncOrder {
		existing := db.Table(kind.String()).Select("id")
		err := db.Where("table_name = ? AND global_id IS NULL AND local_id NOT IN (?)", kind.String(), existing).
			Delete(&fitness.ChangeQueueEntry{}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
