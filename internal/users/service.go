package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the login did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrNoActiveUser reports an operation that needs a signed-in user while in guest mode.
	ErrNoActiveUser = errors.New("users: no signed-in user")
)

const guestCacheKey = "guest"

// ServiceConfig describes the dependencies required for local account management.
type ServiceConfig struct {
	Database *gorm.DB
	Store    *fitness.Store
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages the guest identity and the signed-in account of this installation.
type Service struct {
	db     *gorm.DB
	store  *fitness.Store
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: entity store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		store:  cfg.Store,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// Guest returns the guest identity. Its id never changes, so it is cached after the first read.
func (s *Service) Guest(ctx context.Context) (fitness.User, error) {
	if cached, ok := s.cache.Load(guestCacheKey); ok {
		if guest, ok := cached.(fitness.User); ok {
			return guest, nil
		}
	}
	guest, err := s.store.GuestUser(ctx)
	if err != nil {
		return fitness.User{}, err
	}
	s.cache.Store(guestCacheKey, guest)
	return guest, nil
}

// ActiveUser returns the signed-in user; the boolean is false in guest mode.
func (s *Service) ActiveUser(ctx context.Context) (fitness.User, bool, error) {
	return s.store.ActiveUser(ctx)
}

// CurrentOwner returns the user new local data belongs to: the signed-in user or the guest.
func (s *Service) CurrentOwner(ctx context.Context) (fitness.User, error) {
	user, ok, err := s.ActiveUser(ctx)
	if err != nil {
		return fitness.User{}, err
	}
	if ok {
		return user, nil
	}
	return s.Guest(ctx)
}

// LoginRequest describes a sign-in. AssignGuestData moves guest-owned data to the account.
type LoginRequest struct {
	Email           string
	RemoteID        string
	AssignGuestData bool
}

type LoginResult struct {
	User fitness.User
	// Reassigned counts rows moved from the guest.
	Reassigned int64
}

// Login activates the account for RemoteID, creating it on first sight, and deactivates
// any other account.
func (s *Service) Login(ctx context.Context, request LoginRequest) (LoginResult, error) {
	identity, err := NewIdentity(request.Email, request.RemoteID)
	if err != nil {
		return LoginResult{}, err
	}

	var user fitness.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.
			Where("remote_id = ? AND is_guest = ?", identity.RemoteID, false).
			First(&user).
			Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			user = fitness.User{Email: identity.Email, RemoteID: identity.RemoteID}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
		case lookupErr != nil:
			return lookupErr
		}

		if err := tx.Model(&fitness.User{}).
			Where("id <> ? AND active = ?", user.ID, true).
			Update("active", false).Error; err != nil {
			return err
		}
		updates := map[string]any{"active": true, "updated_at": s.now().UTC()}
		if identity.Email != "" && identity.Email != user.Email {
			updates["email"] = identity.Email
		}
		if err := tx.Model(&fitness.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&user, user.ID).Error
	})
	if err != nil {
		s.logger.Error("login failed", zap.Error(err), zap.String("remote_id", identity.RemoteID))
		return LoginResult{}, err
	}
	s.logger.Info("user signed in", zap.Int64("user_id", user.ID), zap.String("remote_id", user.RemoteID))

	result := LoginResult{User: user}
	if request.AssignGuestData {
		moved, err := s.assignGuestData(ctx, user.ID)
		if err != nil {
			return result, err
		}
		result.Reassigned = moved
	}
	return result, nil
}

// Logout returns the installation to guest mode. Unsynced changes stay queued for the account.
func (s *Service) Logout(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Model(&fitness.User{}).
		Where("active = ?", true).
		Update("active", false).
		Error
	if err != nil {
		return err
	}
	s.logger.Info("user signed out")
	return nil
}

// HasGuestData reports whether userID still owns any syncable row. Callers pass the guest id
// to decide whether to offer reassignment after login.
func (s *Service) HasGuestData(ctx context.Context, userID int64) (bool, error) {
	if userID <= 0 {
		return false, fmt.Errorf("users: invalid user id %d", userID)
	}
	return s.store.HasDataOwnedBy(ctx, userID)
}

// AssignGuestDataToUser moves every guest-owned row, and its queued changes, to the signed-in user.
func (s *Service) AssignGuestDataToUser(ctx context.Context) (int64, error) {
	user, ok, err := s.ActiveUser(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoActiveUser
	}
	return s.assignGuestData(ctx, user.ID)
}

func (s *Service) assignGuestData(ctx context.Context, userID int64) (int64, error) {
	guest, err := s.Guest(ctx)
	if err != nil {
		return 0, err
	}
	moved, err := s.store.ReassignOwner(ctx, guest.ID, userID)
	if err != nil {
		s.logger.Error("guest data reassignment failed", zap.Error(err), zap.Int64("user_id", userID))
		return 0, err
	}
	s.logger.Info("guest data reassigned", zap.Int64("user_id", userID), zap.Int64("rows", moved))
	return moved, nil
}
