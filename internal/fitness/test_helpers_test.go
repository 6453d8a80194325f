package fitness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testMuscleGroups = []string{"chest", "back", "triceps", "quads", "core"}

type testFixture struct {
	store *Store
	db    *gorm.DB
	guest User
	user  User
}

func newTestFixture(t *testing.T) testFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "fitness.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	guest := User{Email: "guest@local", IsGuest: true}
	if err := db.Create(&guest).Error; err != nil {
		t.Fatalf("failed to seed guest: %v", err)
	}
	user := User{Email: "lifter@example.com", RemoteID: "remote-1", Active: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	for _, name := range testMuscleGroups {
		if err := db.Create(&MuscleGroup{Name: name}).Error; err != nil {
			t.Fatalf("failed to seed muscle group: %v", err)
		}
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return testFixture{store: store, db: db, guest: guest, user: user}
}

func (f testFixture) pending(t *testing.T, ownerID int64) []ChangeQueueEntry {
	t.Helper()
	entries, err := f.store.PendingChanges(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("failed to read queue: %v", err)
	}
	return entries
}

func (f testFixture) mustCreateExercise(t *testing.T, ownerID int64, name string, groups ...string) ExerciseAggregate {
	t.Helper()
	exercise, err := f.store.CreateExercise(context.Background(), ownerID, ExerciseAggregate{
		Exercise:     Exercise{Name: name},
		MuscleGroups: groups,
	})
	if err != nil {
		t.Fatalf("failed to create exercise: %v", err)
	}
	return exercise
}

func (f testFixture) mustSetGlobalID(t *testing.T, model any, localID, globalID int64) {
	t.Helper()
	if err := f.db.Model(model).Where("id = ?", localID).Update("global_id", globalID).Error; err != nil {
		t.Fatalf("failed to set global id: %v", err)
	}
}

func (f testFixture) clearQueue(t *testing.T) {
	t.Helper()
	if err := f.db.Where("1 = 1").Delete(&ChangeQueueEntry{}).Error; err != nil {
		t.Fatalf("failed to clear queue: %v", err)
	}
}

func int64Ptr(value int64) *int64 {
	return &value
}
