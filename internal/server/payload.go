package server

import (
	"encoding/json"

	"github.com/reseautageclub/huddle/backend/internal/calls"
	"github.com/reseautageclub/huddle/backend/internal/rooms"
)

type callPayload struct {
	CallID            string `json:"call_id"`
	CallerID          string `json:"caller_id"`
	ReceiverID        string `json:"receiver_id"`
	CallType          string `json:"call_type"`
	Status            string `json:"status"`
	RoomID            string `json:"room_id,omitempty"`
	CallerName        string `json:"caller_name,omitempty"`
	CallerAvatarURL   string `json:"caller_avatar_url,omitempty"`
	ReceiverName      string `json:"receiver_name,omitempty"`
	ReceiverAvatarURL string `json:"receiver_avatar_url,omitempty"`
	CreatedAtSeconds  int64  `json:"created_at_s"`
	UpdatedAtSeconds  int64  `json:"updated_at_s"`
	ExpiresAtSeconds  int64  `json:"expires_at_s"`
	AnsweredAtSeconds *int64 `json:"answered_at_s,omitempty"`
}

func callToPayload(request *calls.CallRequest) callPayload {
	return callPayload{
		CallID:            request.CallID,
		CallerID:          request.CallerID,
		ReceiverID:        request.ReceiverID,
		CallType:          string(request.CallType),
		Status:            string(request.Status),
		RoomID:            request.RoomID,
		CallerName:        request.CallerName,
		CallerAvatarURL:   request.CallerAvatarURL,
		ReceiverName:      request.ReceiverName,
		ReceiverAvatarURL: request.ReceiverAvatar,
		CreatedAtSeconds:  request.CreatedAtSeconds,
		UpdatedAtSeconds:  request.UpdatedAtSeconds,
		ExpiresAtSeconds:  request.ExpiresAtSeconds,
		AnsweredAtSeconds: request.AnsweredAtSecs,
	}
}

type signalPayload struct {
	RecordID         string          `json:"record_id"`
	CallID           string          `json:"call_id"`
	UserID           string          `json:"user_id"`
	SignalType       string          `json:"signal_type"`
	SignalData       json.RawMessage `json:"signal_data"`
	CreatedAtSeconds int64           `json:"created_at_s"`
}

func signalToPayload(signal *calls.Signal) signalPayload {
	return signalPayload{
		RecordID:         signal.RecordID,
		CallID:           signal.CallID,
		UserID:           signal.UserID,
		SignalType:       string(signal.SignalType),
		SignalData:       json.RawMessage(signal.Payload),
		CreatedAtSeconds: signal.CreatedAtSeconds,
	}
}

type workshopPayload struct {
	WorkshopID       string `json:"workshop_id"`
	RoomID           string `json:"room_id"`
	CallID           string `json:"call_id,omitempty"`
	HostID           string `json:"host_id"`
	Title            string `json:"title"`
	VideoURL         string `json:"video_url"`
	DurationSeconds  int64  `json:"duration_s"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func workshopToPayload(workshop *rooms.Workshop) workshopPayload {
	return workshopPayload{
		WorkshopID:       workshop.WorkshopID,
		RoomID:           workshop.RoomID,
		CallID:           workshop.CallID,
		HostID:           workshop.HostID,
		Title:            workshop.Title,
		VideoURL:         workshop.VideoURL,
		DurationSeconds:  workshop.DurationSeconds,
		CreatedAtSeconds: workshop.CreatedAtSeconds,
	}
}

type eventEnvelope struct {
	Type   string         `json:"type"`
	Call   *callPayload   `json:"call,omitempty"`
	Signal *signalPayload `json:"signal,omitempty"`
}

func eventToEnvelope(event calls.Event) eventEnvelope {
	envelope := eventEnvelope{Type: string(event.Type)}
	if event.Call != nil {
		payload := callToPayload(event.Call)
		envelope.Call = &payload
	}
	if event.Signal != nil {
		payload := signalToPayload(event.Signal)
		envelope.Signal = &payload
	}
	return envelope
}
