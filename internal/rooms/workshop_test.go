package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type countingIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *countingIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("row-%04d", p.next), nil
}

func openRoomsDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Workshop{}, &ArchiveEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newRoomService(t *testing.T, now time.Time) (*Service, *gorm.DB) {
	t.Helper()
	db := openRoomsDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Store:      newMemoryStore(),
		Clock:      func() time.Time { return now },
		IDProvider: &countingIDProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, db
}

func TestParseSaveMode(t *testing.T) {
	testCases := []struct {
		input   string
		want    SaveMode
		wantErr bool
	}{
		{input: "workshop", want: SaveModeWorkshop},
		{input: " Live_Archive ", want: SaveModeLiveArchive},
		{input: "broadcast", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, testCase := range testCases {
		got, err := ParseSaveMode(testCase.input)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidSaveMode) {
				t.Fatalf("input %q: expected ErrInvalidSaveMode, got %v", testCase.input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("input %q: unexpected error %v", testCase.input, err)
		}
		if got != testCase.want {
			t.Fatalf("input %q: expected %q, got %q", testCase.input, testCase.want, got)
		}
	}
}

func TestFinalizeWorkshopWithRecording(t *testing.T) {
	now := time.Unix(1750000900, 0)
	service, db := newRoomService(t, now)

	outcome, err := service.Finalize(context.Background(), FinalizeInput{
		RoomID:    "room-1",
		CallID:    "call-1",
		HostID:    "alice",
		Title:     "Sourdough basics",
		SaveMode:  SaveModeWorkshop,
		StartedAt: now.Add(-15 * time.Minute),
		Recording: &RecordingResult{Key: "rooms/room-1/recording.webm", Bytes: 2048},
	})
	if err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}

	if outcome.Workshop == nil {
		t.Fatal("expected workshop row")
	}
	if outcome.PlaceholderUsed {
		t.Fatal("real recording must not use the placeholder")
	}
	if outcome.Workshop.VideoURL != "/media/rooms/room-1/recording.webm" {
		t.Fatalf("unexpected video url %q", outcome.Workshop.VideoURL)
	}
	if outcome.Workshop.DurationSeconds != 900 {
		t.Fatalf("expected 900s duration, got %d", outcome.Workshop.DurationSeconds)
	}
	if outcome.Workshop.RecordedBytes != 2048 {
		t.Fatalf("expected 2048 recorded bytes, got %d", outcome.Workshop.RecordedBytes)
	}

	var stored Workshop
	if err := db.Take(&stored, "room_id = ?", "room-1").Error; err != nil {
		t.Fatalf("failed to load persisted workshop: %v", err)
	}
	if stored.Title != "Sourdough basics" {
		t.Fatalf("unexpected persisted title %q", stored.Title)
	}
}

func TestFinalizeEmptyRecordingSubstitutesPlaceholder(t *testing.T) {
	now := time.Unix(1750000900, 0)
	service, _ := newRoomService(t, now)

	testCases := []struct {
		name      string
		recording *RecordingResult
	}{
		{name: "nil recording", recording: nil},
		{name: "zero bytes", recording: &RecordingResult{Key: "rooms/r/recording.webm", Bytes: 0}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			outcome, err := service.Finalize(context.Background(), FinalizeInput{
				RoomID:    "room-" + testCase.name,
				HostID:    "alice",
				SaveMode:  SaveModeWorkshop,
				StartedAt: now.Add(-time.Minute),
				Recording: testCase.recording,
			})
			if err != nil {
				t.Fatalf("unexpected finalize error: %v", err)
			}
			if outcome.Workshop == nil {
				t.Fatal("empty recording must still produce a workshop row")
			}
			if !outcome.PlaceholderUsed {
				t.Fatal("expected placeholder substitution")
			}
			if outcome.Workshop.VideoURL != PlaceholderVideoURL {
				t.Fatalf("unexpected video url %q", outcome.Workshop.VideoURL)
			}
		})
	}
}

func TestFinalizeDefaultsEmptyTitle(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	service, _ := newRoomService(t, now)

	outcome, err := service.Finalize(context.Background(), FinalizeInput{
		RoomID:   "room-1",
		HostID:   "alice",
		SaveMode: SaveModeWorkshop,
	})
	if err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}
	if outcome.Workshop.Title != "Workshop 2026-03-14 15:09" {
		t.Fatalf("unexpected default title %q", outcome.Workshop.Title)
	}
}

func TestFinalizeLiveArchiveLeavesTextEntryOnly(t *testing.T) {
	now := time.Unix(1750000900, 0)
	service, db := newRoomService(t, now)

	outcome, err := service.Finalize(context.Background(), FinalizeInput{
		RoomID:    "room-2",
		CallID:    "call-2",
		HostID:    "bob",
		Title:     "Evening jam",
		SaveMode:  SaveModeLiveArchive,
		StartedAt: now.Add(-30 * time.Second),
	})
	if err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}

	if outcome.Archive == nil {
		t.Fatal("expected archive entry")
	}
	if outcome.Workshop != nil {
		t.Fatal("live archive must not create a workshop")
	}
	if outcome.Archive.DurationSeconds != 30 {
		t.Fatalf("expected 30s duration, got %d", outcome.Archive.DurationSeconds)
	}

	var workshopCount int64
	if err := db.Model(&Workshop{}).Count(&workshopCount).Error; err != nil {
		t.Fatalf("failed to count workshops: %v", err)
	}
	if workshopCount != 0 {
		t.Fatalf("expected zero workshop rows, got %d", workshopCount)
	}
}

func TestFinalizeValidation(t *testing.T) {
	service, _ := newRoomService(t, time.Unix(1750000900, 0))
	ctx := context.Background()

	if _, err := service.Finalize(ctx, FinalizeInput{HostID: "alice", SaveMode: SaveModeWorkshop}); !errors.Is(err, ErrMissingRoom) {
		t.Fatalf("expected ErrMissingRoom, got %v", err)
	}
	if _, err := service.Finalize(ctx, FinalizeInput{RoomID: "room-1", SaveMode: SaveModeWorkshop}); !errors.Is(err, ErrMissingHost) {
		t.Fatalf("expected ErrMissingHost, got %v", err)
	}
	if _, err := service.Finalize(ctx, FinalizeInput{RoomID: "room-1", HostID: "alice", SaveMode: "broadcast"}); !errors.Is(err, ErrInvalidSaveMode) {
		t.Fatalf("expected ErrInvalidSaveMode, got %v", err)
	}
}

func TestListWorkshopsFiltersByHost(t *testing.T) {
	now := time.Unix(1750000900, 0)
	service, _ := newRoomService(t, now)
	ctx := context.Background()

	for index, host := range []string{"alice", "bob", "alice"} {
		if _, err := service.Finalize(ctx, FinalizeInput{
			RoomID:   fmt.Sprintf("room-%d", index),
			HostID:   host,
			SaveMode: SaveModeWorkshop,
		}); err != nil {
			t.Fatalf("unexpected finalize error: %v", err)
		}
	}

	mine, err := service.ListWorkshops(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected two workshops for alice, got %d", len(mine))
	}

	everything, err := service.ListWorkshops(ctx, "")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(everything) != 3 {
		t.Fatalf("expected three workshops total, got %d", len(everything))
	}
}
