package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound reports a missing or already deleted record.
	ErrNotFound = errors.New("cloud: record not found")
	// ErrConflict reports a mutation sent with a watermark older than the user's latest change.
	ErrConflict = errors.New("cloud: client watermark is stale")
	// ErrInvalidRecord reports a payload that fails validation.
	ErrInvalidRecord = errors.New("cloud: invalid record")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "cloud.service.new"
	opList       = "cloud.list"
	opMutate     = "cloud.mutate"
	opWatermark  = "cloud.watermark"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// NewChangeID overrides audit identifier generation.
	NewChangeID func() (string, error)
	Logger      *zap.Logger
}

// Service stores the records of every user and hands out strictly increasing watermarks.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	newChangeID func() (string, error)
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	newChangeID := cfg.NewChangeID
	if newChangeID == nil {
		newChangeID = newUUIDv7
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		newChangeID: newChangeID,
		logger:      logger,
	}, nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ListQuery selects one page of the change window (Since, Until].
type ListQuery struct {
	Offset int
	Limit  int
	// Since is nil for a first download, which omits tombstones.
	Since *time.Time
	Until *time.Time
}

type ListResult struct {
	Records []remote.Record
	HasMore bool
}

// List returns the records of kind changed inside the query window, oldest change first.
func (s *Service) List(ctx context.Context, userID UserID, kind fitness.EntityKind, query ListQuery) (ListResult, error) {
	if _, err := fitness.ParseEntityKind(kind.String()); err != nil {
		return ListResult{}, newServiceError(opList, "unknown_kind", err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	statement := s.db.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID.String(), kind.String())
	if query.Since != nil {
		statement = statement.Where("updated_at_ns > ?", query.Since.UnixNano())
	} else {
		statement = statement.Where("is_deleted = ?", false)
	}
	if query.Until != nil {
		statement = statement.Where("updated_at_ns <= ?", query.Until.UnixNano())
	}

	var rows []StoredRecord
	if err := statement.
		Order("updated_at_ns ASC, id ASC").
		Offset(offset).
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("table", kind.String()))
		return ListResult{}, newServiceError(opList, "query_failed", err)
	}

	result := ListResult{HasMore: len(rows) > limit}
	if result.HasMore {
		rows = rows[:limit]
	}
	result.Records = make([]remote.Record, 0, len(rows))
	for _, row := range rows {
		record, err := toWire(kind, row)
		if err != nil {
			s.logError(opList, "decode_failed", err, zap.Int64("global_id", row.ID))
			return ListResult{}, newServiceError(opList, "decode_failed", err)
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func toWire(kind fitness.EntityKind, row StoredRecord) (remote.Record, error) {
	updatedAt := time.Unix(0, row.UpdatedAtNano).UTC()
	if row.IsDeleted {
		return remote.Tombstone(kind, row.ID, updatedAt)
	}
	record, err := remote.DecodeRecord(kind, json.RawMessage(row.PayloadJSON))
	if err != nil {
		return nil, err
	}
	return remote.WithMeta(record, remote.Meta{ID: row.ID, UpdatedAt: updatedAt}), nil
}

// Watermark returns the time of the user's latest change, or the zero time.
func (s *Service) Watermark(ctx context.Context, userID UserID) (time.Time, error) {
	latest, err := latestChange(s.db.WithContext(ctx), userID)
	if err != nil {
		s.logError(opWatermark, "query_failed", err, zap.String("user_id", userID.String()))
		return time.Time{}, newServiceError(opWatermark, "query_failed", err)
	}
	if latest == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, latest).UTC(), nil
}

func latestChange(tx *gorm.DB, userID UserID) (int64, error) {
	var latest int64
	err := tx.Model(&StoredRecord{}).
		Where("user_id = ?", userID.String()).
		Select("COALESCE(MAX(updated_at_ns), 0)").
		Scan(&latest).Error
	return latest, err
}

// Mutation is one client write.
type Mutation struct {
	UserID UserID
	Kind   fitness.EntityKind
	// ID addresses the record for updates and deletes.
	ID       int64
	Record   remote.Record
	LastSync *time.Time
	DeviceID string
}

type MutationResult struct {
	ID        int64
	Watermark time.Time
}

func (s *Service) Create(ctx context.Context, mutation Mutation) (MutationResult, error) {
	return s.apply(ctx, OperationTypeCreate, mutation)
}

func (s *Service) Update(ctx context.Context, mutation Mutation) (MutationResult, error) {
	return s.apply(ctx, OperationTypeUpdate, mutation)
}

// Delete replaces the record with a tombstone.
func (s *Service) Delete(ctx context.Context, mutation Mutation) (MutationResult, error) {
	return s.apply(ctx, OperationTypeDelete, mutation)
}

func (s *Service) apply(ctx context.Context, operation OperationType, mutation Mutation) (MutationResult, error) {
	if err := validateMutation(operation, mutation); err != nil {
		s.logger.Debug("mutation rejected", zap.Error(err))
		return MutationResult{}, newServiceError(opMutate, "invalid_record", err)
	}

	var result MutationResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := latestChange(tx, mutation.UserID)
		if err != nil {
			return err
		}
		if latest > 0 && (mutation.LastSync == nil || mutation.LastSync.UnixNano() < latest) {
			return fmt.Errorf("%w: latest change %s", ErrConflict, fitness.FormatWatermark(time.Unix(0, latest)))
		}

		appliedAt := s.clock().UTC().UnixNano()
		if appliedAt <= latest {
			appliedAt = latest + 1
		}

		var row StoredRecord
		if operation == OperationTypeCreate {
			row = StoredRecord{
				UserID:        mutation.UserID.String(),
				Kind:          mutation.Kind.String(),
				CreatedAtNano: appliedAt,
			}
		} else {
			err := tx.Where("id = ? AND user_id = ? AND kind = ? AND is_deleted = ?",
				mutation.ID, mutation.UserID.String(), mutation.Kind.String(), false).
				Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s %d", ErrNotFound, mutation.Kind, mutation.ID)
			}
			if err != nil {
				return err
			}
		}

		if operation == OperationTypeDelete {
			row.IsDeleted = true
			row.PayloadJSON = "{}"
		} else {
			if err := checkReferences(tx, mutation); err != nil {
				return err
			}
			payload, err := json.Marshal(remote.WithMeta(mutation.Record, remote.Meta{}))
			if err != nil {
				return err
			}
			row.PayloadJSON = string(payload)
		}
		row.UpdatedAtNano = appliedAt
		row.Version++
		row.LastWriter = mutation.DeviceID

		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		changeID, err := s.newChangeID()
		if err != nil {
			return err
		}
		audit := RecordChange{
			ChangeID:      changeID,
			UserID:        row.UserID,
			RecordID:      row.ID,
			Kind:          row.Kind,
			AppliedAtNano: appliedAt,
			ClientDevice:  mutation.DeviceID,
			Operation:     operation,
			NewVersion:    row.Version,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}

		result = MutationResult{ID: row.ID, Watermark: time.Unix(0, appliedAt).UTC()}
		return nil
	})

	if txErr != nil {
		fields := []zap.Field{
			zap.String("user_id", mutation.UserID.String()),
			zap.String("table", mutation.Kind.String()),
			zap.String("op", string(operation)),
		}
		switch {
		case errors.Is(txErr, ErrConflict):
			s.logger.Info("mutation rejected: stale watermark", fields...)
			return MutationResult{}, newServiceError(opMutate, "stale_watermark", txErr)
		case errors.Is(txErr, ErrNotFound):
			return MutationResult{}, newServiceError(opMutate, "not_found", txErr)
		case errors.Is(txErr, ErrInvalidRecord):
			return MutationResult{}, newServiceError(opMutate, "invalid_record", txErr)
		default:
			s.logError(opMutate, "persist_failed", txErr, fields...)
			return MutationResult{}, newServiceError(opMutate, "persist_failed", txErr)
		}
	}

	s.logger.Debug("mutation applied",
		zap.String("user_id", mutation.UserID.String()),
		zap.String("table", mutation.Kind.String()),
		zap.Int64("global_id", result.ID),
		zap.String("op", string(operation)))
	return result, nil
}

func validateMutation(operation OperationType, mutation Mutation) error {
	if mutation.UserID == "" {
		return ErrInvalidUserID
	}
	if _, err := fitness.ParseEntityKind(mutation.Kind.String()); err != nil {
		return err
	}
	if operation != OperationTypeCreate && mutation.ID <= 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if operation == OperationTypeDelete {
		return nil
	}
	if mutation.Record == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidRecord)
	}
	if mutation.Record.Kind() != mutation.Kind {
		return fmt.Errorf("%w: %s payload sent to %s", ErrInvalidRecord, mutation.Record.Kind(), mutation.Kind)
	}
	return validateRecord(mutation.Record)
}

func validateRecord(record remote.Record) error {
	requireName := func(name string) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: name is required", ErrInvalidRecord)
		}
		return nil
	}
	switch value := record.(type) {
	case remote.ExerciseRecord:
		return requireName(value.Name)
	case remote.WorkoutRecord:
		if value.StartedAt.IsZero() {
			return fmt.Errorf("%w: startedAt is required", ErrInvalidRecord)
		}
		return requireName(value.Name)
	case remote.BodyMeasurementRecord:
		if value.MeasuredAt.IsZero() {
			return fmt.Errorf("%w: measuredAt is required", ErrInvalidRecord)
		}
		return nil
	case remote.WorkoutTemplateRecord:
		return requireName(value.Name)
	case remote.WeekScheduleRecord:
		for _, workout := range value.Workouts {
			if workout.DayOfWeek < 0 || workout.DayOfWeek > 6 {
				return fmt.Errorf("%w: day of week %d", ErrInvalidRecord, workout.DayOfWeek)
			}
		}
		return requireName(value.Name)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidRecord, record)
	}
}

// checkReferences requires every referenced exercise to belong to the user. Tombstoned
// exercises still count.
func checkReferences(tx *gorm.DB, mutation Mutation) error {
	var ids []int64
	switch value := mutation.Record.(type) {
	case remote.WorkoutRecord:
		for _, exercise := range value.Exercises {
			ids = append(ids, exercise.ExerciseID)
		}
	case remote.WorkoutTemplateRecord:
		ids = value.ExerciseIDs
	}
	unique := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}
	if len(unique) == 0 {
		return nil
	}
	wanted := make([]int64, 0, len(unique))
	for id := range unique {
		wanted = append(wanted, id)
	}
	var found int64
	if err := tx.Model(&StoredRecord{}).
		Where("id IN ? AND user_id = ? AND kind = ?", wanted, mutation.UserID.String(), fitness.KindExercises.String()).
		Count(&found).Error; err != nil {
		return err
	}
	if found != int64(len(wanted)) {
		return fmt.Errorf("%w: unknown exercise reference", ErrInvalidRecord)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("cloud service error", attrs...)
}
