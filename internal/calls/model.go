package calls

import (
	"errors"
	"fmt"
	"strings"
)

// CallType enumerates the media configurations a caller can request.
type CallType string

const (
	// CallTypeVideo requests camera plus microphone.
	CallTypeVideo CallType = "video"
	// CallTypeAudio requests microphone only.
	CallTypeAudio CallType = "audio"
)

// CallStatus enumerates the lifecycle states of a call request.
type CallStatus string

const (
	// CallStatusPending is the initial ringing state.
	CallStatusPending CallStatus = "pending"
	// CallStatusAccepted means the receiver picked up.
	CallStatusAccepted CallStatus = "accepted"
	// CallStatusDeclined means the receiver rejected the call.
	CallStatusDeclined CallStatus = "declined"
	// CallStatusMissed means the ring deadline passed with no answer.
	CallStatusMissed CallStatus = "missed"
	// CallStatusCancelled means the caller withdrew the call, or an active
	// call was hung up.
	CallStatusCancelled CallStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusAccepted, CallStatusDeclined, CallStatusMissed, CallStatusCancelled:
		return true
	}
	return false
}

// SignalType enumerates WebRTC negotiation payload kinds.
type SignalType string

const (
	// SignalTypeOffer carries an SDP offer.
	SignalTypeOffer SignalType = "offer"
	// SignalTypeAnswer carries an SDP answer.
	SignalTypeAnswer SignalType = "answer"
	// SignalTypeICECandidate carries one ICE candidate.
	SignalTypeICECandidate SignalType = "ice_candidate"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCallID indicates a call identifier is empty or exceeds storage bounds.
	ErrInvalidCallID = errors.New("calls: invalid call id")
	// ErrInvalidUserID indicates a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("calls: invalid user id")
	// ErrInvalidCallType indicates an unknown call type value.
	ErrInvalidCallType = errors.New("calls: invalid call type")
	// ErrInvalidSignalType indicates an unknown signal type value.
	ErrInvalidSignalType = errors.New("calls: invalid signal type")
)

// CallID represents a validated call identifier.
type CallID string

// NewCallID validates raw input and returns a CallID.
func NewCallID(rawInput string) (CallID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCallID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCallID, maxIdentifierLength)
	}
	return CallID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CallID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
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

// ParseCallType validates a raw call type value.
func ParseCallType(rawInput string) (CallType, error) {
	switch CallType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CallTypeVideo:
		return CallTypeVideo, nil
	case CallTypeAudio:
		return CallTypeAudio, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCallType, rawInput)
	}
}

// ParseSignalType validates a raw signal type value.
func ParseSignalType(rawInput string) (SignalType, error) {
	switch SignalType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SignalTypeOffer:
		return SignalTypeOffer, nil
	case SignalTypeAnswer:
		return SignalTypeAnswer, nil
	case SignalTypeICECandidate:
		return SignalTypeICECandidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSignalType, rawInput)
	}
}

// CallRequest models one call attempt between two users. Rows are never
// deleted by this subsystem; terminal rows persist as call history.
type CallRequest struct {
	CallID           string     `gorm:"column:call_id;primaryKey;size:190;not null"`
	CallerID         string     `gorm:"column:caller_id;size:190;not null;index:idx_calls_caller_created,priority:1"`
	ReceiverID       string     `gorm:"column:receiver_id;size:190;not null;index:idx_calls_receiver_status,priority:1"`
	CallType         CallType   `gorm:"column:call_type;size:16;not null"`
	Status           CallStatus `gorm:"column:status;size:16;not null;index:idx_calls_receiver_status,priority:2"`
	RoomID           string     `gorm:"column:room_id;size:190"`
	CallerName       string     `gorm:"column:caller_name;size:320"`
	CallerAvatarURL  string     `gorm:"column:caller_avatar_url;size:512"`
	ReceiverName     string     `gorm:"column:receiver_name;size:320"`
	ReceiverAvatar   string     `gorm:"column:receiver_avatar_url;size:512"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null;index:idx_calls_caller_created,priority:2"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null"`
	ExpiresAtSeconds int64      `gorm:"column:expires_at_s;not null"`
	AnsweredAtSecs   *int64     `gorm:"column:answered_at_s"`
	Version          int64      `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (CallRequest) TableName() string {
	return "call_requests"
}

// SignalingRecord stores one encrypted SDP offer/answer or ICE candidate.
// The signal_data column holds the ciphertext envelope; plaintext exists
// only in memory after decryption.
type SignalingRecord struct {
	RecordID         string     `gorm:"column:record_id;primaryKey;size:190;not null"`
	CallID           string     `gorm:"column:call_id;size:190;not null;index:idx_signals_call_created,priority:1"`
	UserID           string     `gorm:"column:user_id;size:190;not null"`
	SignalType       SignalType `gorm:"column:signal_type;size:32;not null"`
	SignalData       string     `gorm:"column:signal_data;type:text;not null"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null;index:idx_signals_call_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SignalingRecord) TableName() string {
	return "signaling_records"
}

// Signal is a decrypted signaling record as delivered to consumers.
type Signal struct {
	RecordID         string
	CallID           string
	UserID           string
	SignalType       SignalType
	Payload          []byte
	CreatedAtSeconds int64
}
