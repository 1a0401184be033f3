package calls

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// StoreSignal encrypts one signaling payload and appends it to the call's
// signaling log, then pushes the decoded signal to the counterparty.
func (s *Service) StoreSignal(ctx context.Context, callID CallID, senderID UserID, signalType SignalType, payload json.RawMessage) (*Signal, error) {
	request, err := s.loadCall(ctx, opStoreSignal, callID)
	if err != nil {
		return nil, err
	}
	if request.CallerID != senderID.String() && request.ReceiverID != senderID.String() {
		return nil, newServiceError(opStoreSignal, "not_participant", ErrNotParticipant)
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStoreSignal, "id_generation_failed", err, zap.String("call_id", request.CallID))
		return nil, newServiceError(opStoreSignal, "id_generation_failed", err)
	}

	sealed, err := s.cipher.SealJSON(request.CallID, payload)
	if err != nil {
		s.logError(opStoreSignal, "encrypt_failed", err, zap.String("call_id", request.CallID))
		return nil, newServiceError(opStoreSignal, "encrypt_failed", err)
	}

	record := &SignalingRecord{
		RecordID:         recordID,
		CallID:           request.CallID,
		UserID:           senderID.String(),
		SignalType:       signalType,
		SignalData:       sealed,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logError(opStoreSignal, "insert_failed", err, zap.String("call_id", request.CallID))
		return nil, newServiceError(opStoreSignal, "insert_failed", err)
	}

	signal := &Signal{
		RecordID:         record.RecordID,
		CallID:           record.CallID,
		UserID:           record.UserID,
		SignalType:       record.SignalType,
		Payload:          append([]byte(nil), payload...),
		CreatedAtSeconds: record.CreatedAtSeconds,
	}

	counterparty := request.CallerID
	if senderID.String() == request.CallerID {
		counterparty = request.ReceiverID
	}
	s.events.Publish(Event{UserID: counterparty, Type: EventSignal, Signal: signal})

	return signal, nil
}

// FetchSignals returns the call's signaling log in creation order, decrypted.
// A record that fails to decrypt is logged and dropped so one malformed row
// cannot stall negotiation.
func (s *Service) FetchSignals(ctx context.Context, callID CallID, actorID UserID) ([]Signal, error) {
	request, err := s.loadCall(ctx, opFetchSignals, callID)
	if err != nil {
		return nil, err
	}
	if request.CallerID != actorID.String() && request.ReceiverID != actorID.String() {
		return nil, newServiceError(opFetchSignals, "not_participant", ErrNotParticipant)
	}

	var records []SignalingRecord
	err = s.db.WithContext(ctx).
		Where("call_id = ?", request.CallID).
		Order("created_at_s ASC, record_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opFetchSignals, "query_failed", err, zap.String("call_id", request.CallID))
		return nil, newServiceError(opFetchSignals, "query_failed", err)
	}

	signals := make([]Signal, 0, len(records))
	for _, record := range records {
		payload, err := s.cipher.OpenJSON(record.CallID, record.SignalData)
		if err != nil {
			s.logger.Warn("dropping undecryptable signaling record",
				zap.String("call_id", record.CallID),
				zap.String("record_id", record.RecordID),
				zap.Error(err))
			continue
		}
		signals = append(signals, Signal{
			RecordID:         record.RecordID,
			CallID:           record.CallID,
			UserID:           record.UserID,
			SignalType:       record.SignalType,
			Payload:          payload,
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	return signals, nil
}
