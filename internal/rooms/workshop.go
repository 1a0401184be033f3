package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SaveMode selects what an ended room leaves behind.
type SaveMode string

const (
	// SaveModeWorkshop persists the recording as an on-demand workshop.
	SaveModeWorkshop SaveMode = "workshop"
	// SaveModeLiveArchive keeps only a text log entry, no video.
	SaveModeLiveArchive SaveMode = "live_archive"
)

// PlaceholderVideoURL is substituted when a workshop recording produced no
// data, so the workshop row is never absent.
const PlaceholderVideoURL = "/media/placeholder/workshop-demo.webm"

var (
	// ErrInvalidSaveMode indicates an unknown save mode value.
	ErrInvalidSaveMode = errors.New("rooms: invalid save mode")
	// ErrMissingRoom indicates finalize input without a room id.
	ErrMissingRoom = errors.New("rooms: room id required")
	// ErrMissingHost indicates finalize input without a host id.
	ErrMissingHost = errors.New("rooms: host id required")
)

// ParseSaveMode validates a raw save mode value.
func ParseSaveMode(rawInput string) (SaveMode, error) {
	switch SaveMode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SaveModeWorkshop:
		return SaveModeWorkshop, nil
	case SaveModeLiveArchive:
		return SaveModeLiveArchive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSaveMode, rawInput)
	}
}

// Workshop is a persisted recording of an ended call, kept for on-demand
// viewing.
type Workshop struct {
	WorkshopID       string `gorm:"column:workshop_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index"`
	CallID           string `gorm:"column:call_id;size:190"`
	HostID           string `gorm:"column:host_id;size:190;not null;index"`
	Title            string `gorm:"column:title;size:320;not null"`
	VideoURL         string `gorm:"column:video_url;size:512;not null"`
	DurationSeconds  int64  `gorm:"column:duration_s;not null"`
	RecordedBytes    int64  `gorm:"column:recorded_bytes;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Workshop) TableName() string {
	return "workshops"
}

// ArchiveEntry is the text-only record left by a live-archive room.
type ArchiveEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index"`
	CallID           string `gorm:"column:call_id;size:190"`
	HostID           string `gorm:"column:host_id;size:190;not null"`
	Summary          string `gorm:"column:summary;type:text;not null"`
	DurationSeconds  int64  `gorm:"column:duration_s;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ArchiveEntry) TableName() string {
	return "room_archive_entries"
}

// IDProvider issues identifiers for workshop and archive rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the room finalize service.
type ServiceConfig struct {
	Database   *gorm.DB
	Store      BlobStore
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service finalizes ended rooms: duration bookkeeping plus workshop or
// archive persistence.
type Service struct {
	db         *gorm.DB
	store      BlobStore
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the room service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rooms: database handle required")
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("rooms: id provider required")
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
		db:         cfg.Database,
		store:      cfg.Store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FinalizeInput describes one ended room.
type FinalizeInput struct {
	RoomID    string
	CallID    string
	HostID    string
	Title     string
	SaveMode  SaveMode
	StartedAt time.Time
	Recording *RecordingResult
}

// FinalizeOutcome reports what the ended room left behind.
type FinalizeOutcome struct {
	Workshop *Workshop
	Archive  *ArchiveEntry
	// PlaceholderUsed is true when a workshop recording produced no data and
	// the placeholder video was substituted. Surfaced to the client as a
	// warning, never as a failure.
	PlaceholderUsed bool
}

// Finalize closes the books on an ended room. Workshop mode always produces
// a workshop row, falling back to the placeholder video when the recording
// is empty. Live-archive mode persists a text entry only.
func (s *Service) Finalize(ctx context.Context, input FinalizeInput) (*FinalizeOutcome, error) {
	if strings.TrimSpace(input.RoomID) == "" {
		return nil, ErrMissingRoom
	}
	if strings.TrimSpace(input.HostID) == "" {
		return nil, ErrMissingHost
	}
	if input.SaveMode != SaveModeWorkshop && input.SaveMode != SaveModeLiveArchive {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSaveMode, string(input.SaveMode))
	}

	now := s.clock().UTC()
	duration := int64(0)
	if !input.StartedAt.IsZero() && now.After(input.StartedAt) {
		duration = int64(now.Sub(input.StartedAt).Seconds())
	}

	rowID, err := s.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("rooms: id generation: %w", err)
	}

	switch input.SaveMode {
	case SaveModeWorkshop:
		videoURL := PlaceholderVideoURL
		recordedBytes := int64(0)
		placeholderUsed := true
		if input.Recording != nil && input.Recording.Bytes > 0 {
			videoURL = s.store.URL(input.Recording.Key)
			recordedBytes = input.Recording.Bytes
			placeholderUsed = false
		} else {
			s.logger.Warn("workshop recording empty, substituting placeholder",
				zap.String("room_id", input.RoomID))
		}

		workshop := &Workshop{
			WorkshopID:       rowID,
			RoomID:           input.RoomID,
			CallID:           input.CallID,
			HostID:           input.HostID,
			Title:            workshopTitle(input.Title, now),
			VideoURL:         videoURL,
			DurationSeconds:  duration,
			RecordedBytes:    recordedBytes,
			CreatedAtSeconds: now.Unix(),
		}
		if err := s.db.WithContext(ctx).Create(workshop).Error; err != nil {
			return nil, fmt.Errorf("rooms: persist workshop: %w", err)
		}
		return &FinalizeOutcome{Workshop: workshop, PlaceholderUsed: placeholderUsed}, nil

	case SaveModeLiveArchive:
		entry := &ArchiveEntry{
			EntryID:          rowID,
			RoomID:           input.RoomID,
			CallID:           input.CallID,
			HostID:           input.HostID,
			Summary:          fmt.Sprintf("Live session %q ended after %ds", workshopTitle(input.Title, now), duration),
			DurationSeconds:  duration,
			CreatedAtSeconds: now.Unix(),
		}
		if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
			return nil, fmt.Errorf("rooms: persist archive entry: %w", err)
		}
		return &FinalizeOutcome{Archive: entry}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidSaveMode, string(input.SaveMode))
}

// ListWorkshops returns a host's workshops, newest first. An empty host id
// lists all workshops.
func (s *Service) ListWorkshops(ctx context.Context, hostID string) ([]Workshop, error) {
	query := s.db.WithContext(ctx).Order("created_at_s DESC")
	if strings.TrimSpace(hostID) != "" {
		query = query.Where("host_id = ?", strings.TrimSpace(hostID))
	}
	var workshops []Workshop
	if err := query.Find(&workshops).Error; err != nil {
		return nil, fmt.Errorf("rooms: list workshops: %w", err)
	}
	return workshops, nil
}

func workshopTitle(raw string, now time.Time) string {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "Workshop " + now.Format("2006-01-02 15:04")
	}
	return title
}
