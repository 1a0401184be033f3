package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInitiateCreatesPendingCall(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	if request.Status != CallStatusPending {
		t.Fatalf("expected pending status, got %q", request.Status)
	}
	if request.CallID == "" {
		t.Fatal("expected non-empty call id")
	}
	if request.RoomID == "" {
		t.Fatal("expected non-empty room id")
	}
	if request.RoomID == request.CallID {
		t.Fatal("expected room id distinct from call id")
	}
	if request.Version != 1 {
		t.Fatalf("expected version 1, got %d", request.Version)
	}

	wantExpiry := fixture.clock.Now().Add(45 * time.Second).Unix()
	if request.ExpiresAtSeconds != wantExpiry {
		t.Fatalf("expected expiry %d, got %d", wantExpiry, request.ExpiresAtSeconds)
	}
	if request.CallerName != "Alice" || request.ReceiverName != "Bob" {
		t.Fatalf("expected enriched names, got caller=%q receiver=%q", request.CallerName, request.ReceiverName)
	}

	published := fixture.publisher.byType(EventCallRequested)
	if len(published) != 1 {
		t.Fatalf("expected one call-requested event, got %d", len(published))
	}
	if published[0].UserID != "bob" {
		t.Fatalf("expected event addressed to receiver, got %q", published[0].UserID)
	}
	if published[0].Call == nil || published[0].Call.CallID != request.CallID {
		t.Fatal("expected event to carry the new call request")
	}
}

func TestInitiateRejectsSelfCall(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.Initiate(context.Background(), mustCallUserID(t, "alice"), mustCallUserID(t, "alice"), CallTypeAudio)
	if !errors.Is(err, ErrSelfCall) {
		t.Fatalf("expected ErrSelfCall, got %v", err)
	}
}

func TestInitiateToleratesUnknownProfiles(t *testing.T) {
	fixture := newServiceFixture(t)

	request, err := fixture.service.Initiate(context.Background(), mustCallUserID(t, "alice"), mustCallUserID(t, "stranger"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	if request.ReceiverName != "" || request.ReceiverAvatar != "" {
		t.Fatalf("expected empty receiver display fields, got %q/%q", request.ReceiverName, request.ReceiverAvatar)
	}
}

func TestAcceptRecordsAnswerAndNotifiesCaller(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	fixture.clock.Advance(3 * time.Second)
	accepted, err := fixture.service.Accept(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "bob"))
	if err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}

	if accepted.Status != CallStatusAccepted {
		t.Fatalf("expected accepted status, got %q", accepted.Status)
	}
	if accepted.AnsweredAtSecs == nil {
		t.Fatal("expected answered_at to be recorded")
	}
	if *accepted.AnsweredAtSecs != fixture.clock.Now().Unix() {
		t.Fatalf("expected answered_at %d, got %d", fixture.clock.Now().Unix(), *accepted.AnsweredAtSecs)
	}
	if accepted.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", accepted.Version)
	}

	events := fixture.publisher.byType(EventCallAccepted)
	if len(events) != 1 {
		t.Fatalf("expected one call-accepted event, got %d", len(events))
	}
	if events[0].UserID != "alice" {
		t.Fatalf("expected event addressed to caller, got %q", events[0].UserID)
	}

	stored, err := fixture.service.Get(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "alice"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Status != CallStatusAccepted {
		t.Fatalf("expected persisted accepted status, got %q", stored.Status)
	}
}

func TestAcceptRejectsNonReceiver(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	if _, err := fixture.service.Accept(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "alice")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for caller accept, got %v", err)
	}
	if _, err := fixture.service.Accept(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "mallory")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for outsider accept, got %v", err)
	}
}

func TestTerminalStateRejectsFurtherTransitions(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	callID := mustCallID(t, request.CallID)

	if _, err := fixture.service.Decline(ctx, callID, mustCallUserID(t, "bob")); err != nil {
		t.Fatalf("unexpected decline error: %v", err)
	}

	if _, err := fixture.service.Accept(ctx, callID, mustCallUserID(t, "bob")); !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("expected ErrCallUnavailable accepting declined call, got %v", err)
	}
	if _, err := fixture.service.Cancel(ctx, callID, mustCallUserID(t, "alice")); !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("expected ErrCallUnavailable cancelling declined call, got %v", err)
	}

	stored, err := fixture.service.Get(ctx, callID, mustCallUserID(t, "bob"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Status != CallStatusDeclined {
		t.Fatalf("terminal status flipped to %q", stored.Status)
	}
}

func TestCancelNotifiesReceiver(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeAudio)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	cancelled, err := fixture.service.Cancel(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "alice"))
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if cancelled.Status != CallStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", cancelled.Status)
	}
	if cancelled.AnsweredAtSecs != nil {
		t.Fatal("cancel must not record answered_at")
	}

	events := fixture.publisher.byType(EventCallCancelled)
	if len(events) != 1 {
		t.Fatalf("expected one call-cancelled event, got %d", len(events))
	}
	if events[0].UserID != "bob" {
		t.Fatalf("expected event addressed to receiver, got %q", events[0].UserID)
	}
}

func TestCancelRejectsReceiver(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	if _, err := fixture.service.Cancel(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "bob")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestEndMarksAcceptedCallCancelled(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	callID := mustCallID(t, request.CallID)

	if _, err := fixture.service.Accept(ctx, callID, mustCallUserID(t, "bob")); err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}

	ended, err := fixture.service.End(ctx, callID, mustCallUserID(t, "bob"))
	if err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if ended.Status != CallStatusCancelled {
		t.Fatalf("expected cancelled status after hangup, got %q", ended.Status)
	}

	events := fixture.publisher.byType(EventCallEnded)
	if len(events) != 2 {
		t.Fatalf("expected call-ended events for both participants, got %d", len(events))
	}

	if _, err := fixture.service.End(ctx, callID, mustCallUserID(t, "alice")); !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("expected ErrCallUnavailable on repeat end, got %v", err)
	}
}

func TestEndRejectsPendingCall(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	if _, err := fixture.service.End(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "alice")); !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("expected ErrCallUnavailable ending a pending call, got %v", err)
	}
}

func TestGetRejectsOutsider(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	if _, err := fixture.service.Get(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "mallory")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := fixture.service.Get(ctx, mustCallID(t, "no-such-call"), mustCallUserID(t, "alice")); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestFindByRoomResolvesOwningCall(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	found, err := fixture.service.FindByRoom(ctx, request.RoomID)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if found.CallID != request.CallID || found.CallerID != "alice" {
		t.Fatalf("unexpected call resolved: %+v", found)
	}

	if _, err := fixture.service.FindByRoom(ctx, "no-such-room"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
	if _, err := fixture.service.FindByRoom(ctx, "  "); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound for blank room, got %v", err)
	}
}

func TestHistoryListsParticipantCallsNewestFirst(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	first, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	fixture.clock.Advance(10 * time.Second)
	second, err := fixture.service.Initiate(ctx, mustCallUserID(t, "bob"), mustCallUserID(t, "alice"), CallTypeAudio)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	fixture.clock.Advance(10 * time.Second)
	if _, err := fixture.service.Initiate(ctx, mustCallUserID(t, "bob"), mustCallUserID(t, "stranger"), CallTypeAudio); err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	history, err := fixture.service.History(ctx, mustCallUserID(t, "alice"))
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history))
	}
	if history[0].CallID != second.CallID || history[1].CallID != first.CallID {
		t.Fatalf("expected newest-first ordering, got %q then %q", history[0].CallID, history[1].CallID)
	}
}

func TestExpireOverdueMarksPendingCallsMissed(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	overdue, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	fixture.clock.Advance(20 * time.Second)
	fresh, err := fixture.service.Initiate(ctx, mustCallUserID(t, "bob"), mustCallUserID(t, "alice"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	fixture.clock.Advance(30 * time.Second)
	expired, err := fixture.service.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired call, got %d", expired)
	}

	missedRow, err := fixture.service.Get(ctx, mustCallID(t, overdue.CallID), mustCallUserID(t, "alice"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if missedRow.Status != CallStatusMissed {
		t.Fatalf("expected missed status, got %q", missedRow.Status)
	}

	freshRow, err := fixture.service.Get(ctx, mustCallID(t, fresh.CallID), mustCallUserID(t, "bob"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if freshRow.Status != CallStatusPending {
		t.Fatalf("fresh call swept early, status %q", freshRow.Status)
	}

	missedEvents := fixture.publisher.byType(EventCallMissed)
	if len(missedEvents) != 2 {
		t.Fatalf("expected missed events for both participants, got %d", len(missedEvents))
	}
}

func TestStaleVersionLosesTransitionRace(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	request, err := fixture.service.Initiate(ctx, mustCallUserID(t, "alice"), mustCallUserID(t, "bob"), CallTypeVideo)
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}

	// Snapshot the row as a second actor would have loaded it, then let the
	// first writer commit. The stale snapshot must lose.
	stale := *request
	if _, err := fixture.service.Accept(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "bob")); err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}

	_, err = fixture.service.applyGuarded(ctx, opDecline, &stale, CallStatusPending, CallStatusDeclined, true)
	if !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("expected ErrCallUnavailable for stale version, got %v", err)
	}

	stored, err := fixture.service.Get(ctx, mustCallID(t, request.CallID), mustCallUserID(t, "bob"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Status != CallStatusAccepted {
		t.Fatalf("first writer overwritten, status %q", stored.Status)
	}
}

func TestServiceErrorCodes(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.Initiate(context.Background(), mustCallUserID(t, "alice"), mustCallUserID(t, "alice"), CallTypeVideo)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "calls.initiate.self_call" {
		t.Fatalf("unexpected error code %q", serviceErr.Code())
	}
}
