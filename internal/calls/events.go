package calls

// EventType enumerates change-feed notifications emitted by the service.
type EventType string

const (
	// EventCallRequested is delivered to the receiver of a new pending call.
	EventCallRequested EventType = "call-requested"
	// EventCallAccepted is delivered to the caller when the receiver picks up.
	EventCallAccepted EventType = "call-accepted"
	// EventCallDeclined is delivered to the caller when the receiver rejects.
	EventCallDeclined EventType = "call-declined"
	// EventCallCancelled is delivered to the receiver when the caller withdraws.
	EventCallCancelled EventType = "call-cancelled"
	// EventCallMissed is delivered to both parties when the ring deadline passes.
	EventCallMissed EventType = "call-missed"
	// EventCallEnded is delivered to both parties on hangup bookkeeping.
	EventCallEnded EventType = "call-ended"
	// EventSignal is delivered to the counterparty for each stored
	// signaling record, already decrypted.
	EventSignal EventType = "call-signal"
)

// Event is one change-feed notification addressed to a single user.
type Event struct {
	UserID string
	Type   EventType
	Call   *CallRequest
	Signal *Signal
}

// EventPublisher fans events out to subscribed clients. Publish must not
// block; slow consumers are the publisher's problem, not the service's.
type EventPublisher interface {
	Publish(event Event)
}

type noOpPublisher struct{}

func (noOpPublisher) Publish(Event) {}
