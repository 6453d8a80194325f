package cloud

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the mutations a client can send.
type OperationType string

const (
	OperationTypeCreate OperationType = "create"
	OperationTypeUpdate OperationType = "update"
	OperationTypeDelete OperationType = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cloud: invalid user id")
)

// UserID represents a validated token subject.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// StoredRecord is one server-side entity. Ids are unique across tables; deletes leave a
// tombstone so that later list windows can report them.
type StoredRecord struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        string `gorm:"column:user_id;size:190;not null;index:idx_records_user_kind_updated,priority:1"`
	Kind          string `gorm:"column:kind;size:64;not null;index:idx_records_user_kind_updated,priority:2"`
	UpdatedAtNano int64  `gorm:"column:updated_at_ns;not null;index:idx_records_user_kind_updated,priority:3"`
	CreatedAtNano int64  `gorm:"column:created_at_ns;not null"`
	PayloadJSON   string `gorm:"column:payload_json;type:text;not null"`
	IsDeleted     bool   `gorm:"column:is_deleted;not null;default:false"`
	Version       int64  `gorm:"column:version;not null;default:1"`
	LastWriter    string `gorm:"column:last_writer_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "records"
}

// RecordChange captures an append-only audit trail of accepted mutations.
type RecordChange struct {
	ChangeID      string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID        string        `gorm:"column:user_id;size:190;not null;index:idx_record_changes_user_time,priority:1"`
	RecordID      int64         `gorm:"column:record_id;not null"`
	Kind          string        `gorm:"column:kind;size:64;not null"`
	AppliedAtNano int64         `gorm:"column:applied_at_ns;not null;index:idx_record_changes_user_time,priority:2"`
	ClientDevice  string        `gorm:"column:client_device;size:190;not null;default:''"`
	Operation     OperationType `gorm:"column:op;size:16;not null"`
	NewVersion    int64         `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "record_changes"
}

// Models lists the tables owned by the reference server.
func Models() []any {
	return []any{&StoredRecord{}, &RecordChange{}}
}
