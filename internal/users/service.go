package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/reseautageclub/huddle/backend/internal/calls"
)

// ErrUnknownUser indicates no identity row exists for the identifier.
var ErrUnknownUser = errors.New("users: unknown user")

// ServiceConfig describes the dependencies required for identity bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maintains user display profiles and serves them to the call
// service for incoming-call enrichment.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Upsert records or refreshes a user's display profile. Called on session
// issuance so the registry tracks whatever the client last presented.
func (s *Service) Upsert(ctx context.Context, userID, displayName, avatarURL string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrUnknownUser
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      userID,
			DisplayName: normalize(displayName),
			AvatarURL:   normalize(avatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(displayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(avatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error; err != nil {
			return err
		}
	}

	s.cache.Store(userID, calls.Profile{
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	})
	return nil
}

// Profile returns the display profile for a user. Satisfies
// calls.ProfileResolver.
func (s *Service) Profile(ctx context.Context, userID string) (calls.Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return calls.Profile{}, ErrUnknownUser
	}

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(calls.Profile); ok {
			return profile, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return calls.Profile{}, ErrUnknownUser
	}
	if err != nil {
		return calls.Profile{}, err
	}

	profile := calls.Profile{
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	}
	s.cache.Store(userID, profile)
	return profile, nil
}
