package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reseautageclub/huddle/backend/internal/signalcipher"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCipher     = errors.New("signal cipher is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrCallUnavailable indicates the call left the expected state before the
	// transition could be applied: the row is terminal, or a concurrent
	// transition won the version race. First writer wins.
	ErrCallUnavailable = errors.New("calls: call no longer available")
	// ErrCallNotFound indicates no call row exists for the identifier.
	ErrCallNotFound = errors.New("calls: call not found")
	// ErrNotParticipant indicates the acting user is not a party to the call.
	ErrNotParticipant = errors.New("calls: user is not a call participant")
	// ErrSelfCall indicates a caller dialed their own identifier.
	ErrSelfCall = errors.New("calls: caller and receiver must differ")
)

// ServiceError wraps a failure with an operation.reason code.
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
	opServiceNew   = "calls.service.new"
	opInitiate     = "calls.initiate"
	opAccept       = "calls.accept"
	opDecline      = "calls.decline"
	opCancel       = "calls.cancel"
	opEnd          = "calls.end"
	opGet          = "calls.get"
	opRoomLookup   = "calls.room_lookup"
	opHistory      = "calls.history"
	opExpire       = "calls.expire_overdue"
	opStoreSignal  = "calls.store_signal"
	opFetchSignals = "calls.fetch_signals"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues opaque identifiers for call and signaling rows.
type IDProvider interface {
	NewID() (string, error)
}

// Profile carries the display fields denormalized onto call rows.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// ProfileResolver supplies display enrichment for call participants.
// Resolution failures are tolerated; the call surfaces with degraded
// display data.
type ProfileResolver interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// ServiceConfig describes the dependencies of the call lifecycle service.
type ServiceConfig struct {
	Database    *gorm.DB
	Cipher      *signalcipher.Cipher
	Clock       func() time.Time
	IDProvider  IDProvider
	Profiles    ProfileResolver
	Events      EventPublisher
	RingTimeout time.Duration
	Logger      *zap.Logger
}

const defaultRingTimeout = 45 * time.Second

// Service owns call request lifecycle transitions and the signaling store.
type Service struct {
	db          *gorm.DB
	cipher      *signalcipher.Cipher
	clock       func() time.Time
	idProvider  IDProvider
	profiles    ProfileResolver
	events      EventPublisher
	ringTimeout time.Duration
	logger      *zap.Logger
}

// NewService constructs the call service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cipher == nil {
		return nil, newServiceError(opServiceNew, "missing_cipher", errMissingCipher)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ringTimeout := cfg.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	events := cfg.Events
	if events == nil {
		events = noOpPublisher{}
	}

	return &Service{
		db:          cfg.Database,
		cipher:      cfg.Cipher,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		profiles:    cfg.Profiles,
		events:      events,
		ringTimeout: ringTimeout,
		logger:      logger,
	}, nil
}

// Initiate creates a pending call request with a fresh room id and a
// server-computed ring expiry, then notifies the receiver.
func (s *Service) Initiate(ctx context.Context, callerID, receiverID UserID, callType CallType) (*CallRequest, error) {
	if callerID == receiverID {
		return nil, newServiceError(opInitiate, "self_call", ErrSelfCall)
	}

	callID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInitiate, "id_generation_failed", err)
		return nil, newServiceError(opInitiate, "id_generation_failed", err)
	}
	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInitiate, "id_generation_failed", err)
		return nil, newServiceError(opInitiate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	request := &CallRequest{
		CallID:           callID,
		CallerID:         callerID.String(),
		ReceiverID:       receiverID.String(),
		CallType:         callType,
		Status:           CallStatusPending,
		RoomID:           roomID,
		CreatedAtSeconds: now.Unix(),
		UpdatedAtSeconds: now.Unix(),
		ExpiresAtSeconds: now.Add(s.ringTimeout).Unix(),
		Version:          1,
	}
	s.enrichProfiles(ctx, request)

	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		s.logError(opInitiate, "insert_failed", err,
			zap.String("caller_id", callerID.String()),
			zap.String("receiver_id", receiverID.String()))
		return nil, newServiceError(opInitiate, "insert_failed", err)
	}

	s.events.Publish(Event{UserID: request.ReceiverID, Type: EventCallRequested, Call: cloneCall(request)})
	return request, nil
}

// Accept transitions a pending call to accepted and records answered_at.
// Only the receiver may accept.
func (s *Service) Accept(ctx context.Context, callID CallID, actorID UserID) (*CallRequest, error) {
	return s.transition(ctx, opAccept, callID, actorID, roleReceiver, CallStatusAccepted, true)
}

// Decline transitions a pending call to declined and records answered_at.
// Only the receiver may decline.
func (s *Service) Decline(ctx context.Context, callID CallID, actorID UserID) (*CallRequest, error) {
	return s.transition(ctx, opDecline, callID, actorID, roleReceiver, CallStatusDeclined, true)
}

// Cancel transitions a pending call to cancelled. Only the caller may cancel
// their own outgoing call.
func (s *Service) Cancel(ctx context.Context, callID CallID, actorID UserID) (*CallRequest, error) {
	return s.transition(ctx, opCancel, callID, actorID, roleCaller, CallStatusCancelled, false)
}

// End marks an accepted call cancelled as hangup bookkeeping. Either
// participant may end. Callers treat failures as non-fatal: local hangup
// proceeds regardless of the backend outcome.
func (s *Service) End(ctx context.Context, callID CallID, actorID UserID) (*CallRequest, error) {
	request, err := s.loadCall(ctx, opEnd, callID)
	if err != nil {
		return nil, err
	}
	if request.CallerID != actorID.String() && request.ReceiverID != actorID.String() {
		return nil, newServiceError(opEnd, "not_participant", ErrNotParticipant)
	}
	if request.Status != CallStatusAccepted {
		return nil, newServiceError(opEnd, "call_unavailable", ErrCallUnavailable)
	}

	updated, err := s.applyGuarded(ctx, opEnd, request, CallStatusAccepted, CallStatusCancelled, false)
	if err != nil {
		return nil, err
	}

	s.events.Publish(Event{UserID: updated.CallerID, Type: EventCallEnded, Call: cloneCall(updated)})
	s.events.Publish(Event{UserID: updated.ReceiverID, Type: EventCallEnded, Call: cloneCall(updated)})
	return updated, nil
}

// Get returns one call request. Only participants may read it.
func (s *Service) Get(ctx context.Context, callID CallID, actorID UserID) (*CallRequest, error) {
	request, err := s.loadCall(ctx, opGet, callID)
	if err != nil {
		return nil, err
	}
	if request.CallerID != actorID.String() && request.ReceiverID != actorID.String() {
		return nil, newServiceError(opGet, "not_participant", ErrNotParticipant)
	}
	return request, nil
}

// FindByRoom returns the call that owns a room. Room ids are minted once at
// initiate time, so at most one call matches.
func (s *Service) FindByRoom(ctx context.Context, roomID string) (*CallRequest, error) {
	trimmed := strings.TrimSpace(roomID)
	if trimmed == "" {
		return nil, newServiceError(opRoomLookup, "not_found", ErrCallNotFound)
	}
	var request CallRequest
	err := s.db.WithContext(ctx).
		Where("room_id = ?", trimmed).
		Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opRoomLookup, "not_found", ErrCallNotFound)
	}
	if err != nil {
		s.logError(opRoomLookup, "select_failed", err, zap.String("room_id", trimmed))
		return nil, newServiceError(opRoomLookup, "select_failed", err)
	}
	return &request, nil
}

// History lists all calls the user participated in, newest first.
func (s *Service) History(ctx context.Context, userID UserID) ([]CallRequest, error) {
	var requests []CallRequest
	err := s.db.WithContext(ctx).
		Where("caller_id = ? OR receiver_id = ?", userID.String(), userID.String()).
		Order("created_at_s DESC").
		Find(&requests).Error
	if err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return requests, nil
}

// ExpireOverdue sweeps pending calls past their ring deadline into missed.
// Each expiry is version-guarded, so a concurrent accept that lands first
// keeps the call; the sweep simply skips it.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.clock().UTC().Unix()

	var overdue []CallRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at_s <= ?", CallStatusPending, now).
		Find(&overdue).Error
	if err != nil {
		s.logError(opExpire, "query_failed", err)
		return 0, newServiceError(opExpire, "query_failed", err)
	}

	expired := 0
	for index := range overdue {
		updated, err := s.applyGuarded(ctx, opExpire, &overdue[index], CallStatusPending, CallStatusMissed, false)
		if errors.Is(err, ErrCallUnavailable) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		s.events.Publish(Event{UserID: updated.CallerID, Type: EventCallMissed, Call: cloneCall(updated)})
		s.events.Publish(Event{UserID: updated.ReceiverID, Type: EventCallMissed, Call: cloneCall(updated)})
	}
	return expired, nil
}

type participantRole int

const (
	roleCaller participantRole = iota
	roleReceiver
)

func (s *Service) transition(ctx context.Context, operation string, callID CallID, actorID UserID, role participantRole, target CallStatus, recordAnswer bool) (*CallRequest, error) {
	request, err := s.loadCall(ctx, operation, callID)
	if err != nil {
		return nil, err
	}

	expectedActor := request.CallerID
	if role == roleReceiver {
		expectedActor = request.ReceiverID
	}
	if expectedActor != actorID.String() {
		return nil, newServiceError(operation, "not_participant", ErrNotParticipant)
	}
	if request.Status.Terminal() {
		return nil, newServiceError(operation, "call_unavailable", ErrCallUnavailable)
	}

	updated, err := s.applyGuarded(ctx, operation, request, CallStatusPending, target, recordAnswer)
	if err != nil {
		return nil, err
	}

	counterparty := updated.CallerID
	if role == roleCaller {
		counterparty = updated.ReceiverID
	}
	s.events.Publish(Event{UserID: counterparty, Type: eventTypeForStatus(target), Call: cloneCall(updated)})
	return updated, nil
}

// applyGuarded performs the conditional status update. The WHERE clause pins
// both the expected prior status and the version the transition was decided
// against, so concurrent accept/decline/cancel races resolve to exactly one
// winner; losers observe ErrCallUnavailable.
func (s *Service) applyGuarded(ctx context.Context, operation string, request *CallRequest, from, to CallStatus, recordAnswer bool) (*CallRequest, error) {
	now := s.clock().UTC().Unix()
	updates := map[string]any{
		"status":       to,
		"updated_at_s": now,
		"version":      request.Version + 1,
	}
	if recordAnswer {
		updates["answered_at_s"] = now
	}

	result := s.db.WithContext(ctx).
		Model(&CallRequest{}).
		Where("call_id = ? AND status = ? AND version = ?", request.CallID, from, request.Version).
		Updates(updates)
	if result.Error != nil {
		s.logError(operation, "update_failed", result.Error, zap.String("call_id", request.CallID))
		return nil, newServiceError(operation, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, newServiceError(operation, "call_unavailable", ErrCallUnavailable)
	}

	updated := *request
	updated.Status = to
	updated.UpdatedAtSeconds = now
	updated.Version = request.Version + 1
	if recordAnswer {
		answered := now
		updated.AnsweredAtSecs = &answered
	}
	return &updated, nil
}

func (s *Service) loadCall(ctx context.Context, operation string, callID CallID) (*CallRequest, error) {
	var request CallRequest
	err := s.db.WithContext(ctx).
		Where("call_id = ?", callID.String()).
		Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(operation, "not_found", ErrCallNotFound)
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("call_id", callID.String()))
		return nil, newServiceError(operation, "select_failed", err)
	}
	return &request, nil
}

// enrichProfiles denormalizes display fields onto the request. Lookup
// failures leave the fields empty; the call still surfaces with degraded
// display data.
func (s *Service) enrichProfiles(ctx context.Context, request *CallRequest) {
	if s.profiles == nil {
		return
	}
	if profile, err := s.profiles.Profile(ctx, request.CallerID); err == nil {
		request.CallerName = profile.DisplayName
		request.CallerAvatarURL = profile.AvatarURL
	} else {
		s.logger.Warn("caller profile enrichment failed",
			zap.String("caller_id", request.CallerID), zap.Error(err))
	}
	if profile, err := s.profiles.Profile(ctx, request.ReceiverID); err == nil {
		request.ReceiverName = profile.DisplayName
		request.ReceiverAvatar = profile.AvatarURL
	} else {
		s.logger.Warn("receiver profile enrichment failed",
			zap.String("receiver_id", request.ReceiverID), zap.Error(err))
	}
}

func eventTypeForStatus(status CallStatus) EventType {
	switch status {
	case CallStatusAccepted:
		return EventCallAccepted
	case CallStatusDeclined:
		return EventCallDeclined
	case CallStatusCancelled:
		return EventCallCancelled
	case CallStatusMissed:
		return EventCallMissed
	default:
		return EventCallRequested
	}
}

func cloneCall(request *CallRequest) *CallRequest {
	clone := *request
	if request.AnsweredAtSecs != nil {
		answered := *request.AnsweredAtSecs
		clone.AnsweredAtSecs = &answered
	}
	return &clone
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
	s.logger.Error("call service error", attrs...)
}
