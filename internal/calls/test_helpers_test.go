package calls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/reseautageclub/huddle/backend/internal/signalcipher"
)

func openTestDatabase(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&CallRequest{}, &SignalingRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturingPublisher) Publish(event Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *capturingPublisher) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]Event, len(p.events))
	copy(copied, p.events)
	return copied
}

func (p *capturingPublisher) byType(eventType EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type staticProfiles map[string]Profile

func (p staticProfiles) Profile(_ context.Context, userID string) (Profile, error) {
	if profile, ok := p[userID]; ok {
		return profile, nil
	}
	return Profile{}, fmt.Errorf("no profile for %s", userID)
}

type serviceFixture struct {
	service   *Service
	clock     *testClock
	publisher *capturingPublisher
	db        *gorm.DB
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := newTestClock(time.Unix(1750000000, 0))
	publisher := &capturingPublisher{}

	cipher, err := signalcipher.New("test-signaling-key")
	if err != nil {
		t.Fatalf("unexpected cipher error: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Cipher:     cipher,
		Clock:      clock.Now,
		IDProvider: &sequentialIDProvider{},
		Profiles: staticProfiles{
			"alice": {DisplayName: "Alice", AvatarURL: "https://cdn.example/alice.png"},
			"bob":   {DisplayName: "Bob", AvatarURL: "https://cdn.example/bob.png"},
		},
		Events:      publisher,
		RingTimeout: 45 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	return &serviceFixture{service: service, clock: clock, publisher: publisher, db: db}
}

func mustCallUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCallID(t *testing.T, value string) CallID {
	t.Helper()
	id, err := NewCallID(value)
	if err != nil {
		t.Fatalf("unexpected call id error: %v", err)
	}
	return id
}
