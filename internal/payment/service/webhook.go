package service

import (
	"context"
	"errors"
	"net/http"

	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
)

// IngestWebhook verifies, journals and applies one gateway delivery. Nothing
// is written before the signature checks out. A failed delivery stays
// unprocessed in the journal so the gateway's retry runs it again.
func (s *Service) IngestWebhook(ctx context.Context, provider string, headers http.Header, payload []byte) error {
	providerType, err := paymentdomain.ParseProviderType(provider)
	if err != nil {
		return err
	}
	gateway, err := s.selector.Get(providerType)
	if err != nil {
		return err
	}

	verification, err := gateway.VerifyWebhookSignature(ctx, headers, payload)
	if err != nil {
		return err
	}
	if !verification.Verified {
		s.obsMetrics.RecordWebhookEvent(ctx, string(providerType), "", outcomeRejected)
		s.log.Warn("webhook signature rejected",
			zap.String("provider", string(providerType)),
			zap.String("reason", verification.Reason),
		)
		return paymentdomain.ErrInvalidSignature
	}

	event, err := gateway.DecodeWebhookEvent(headers, payload)
	if err != nil {
		return err
	}
	log := s.log.With(
		zap.String("provider", string(providerType)),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        string(providerType),
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, string(providerType), event.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.obsMetrics.RecordWebhookEvent(ctx, string(providerType), event.Type, outcomeDuplicate)
			log.Info("webhook already processed")
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	err = gateway.ProcessWebhookEvent(ctx, event)
	if err == nil {
		_, err = s.processor.Process(ctx, event)
	}
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		if markErr := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); markErr != nil {
			return markErr
		}
		s.obsMetrics.RecordWebhookEvent(ctx, string(providerType), event.Type, outcomeIgnored)
		log.Debug("webhook ignored")
		return paymentdomain.ErrEventIgnored
	}
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, string(providerType), event.Type, outcomeFailed)
		log.Error("webhook processing failed", zap.Error(err))
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}
	s.obsMetrics.RecordWebhookEvent(ctx, string(providerType), event.Type, outcomeProcessed)
	log.Info("webhook processed")
	return nil
}
