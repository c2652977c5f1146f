package payment

import (
	"context"

	"tabsy-split-service/internal/service/split"
	"tabsy-split-service/pkg/logger"

	"go.uber.org/zap"
)

// Service ingests outcomes from the external payment collaborator. The
// gateway integration itself lives outside this core; what arrives here is
// only "participant X's charge settled" or "failed", which drives the split
// store's removal and lock-release paths.
type Service struct {
	splitSvc *split.Service
}

func NewService(splitSvc *split.Service) *Service {
	return &Service{splitSvc: splitSvc}
}

// Complete removes the paid participant from the active split and recomputes
// the remainder. Safe to deliver more than once.
func (s *Service) Complete(ctx context.Context, sessionID, participantID string) (*split.Snapshot, error) {
	snap, err := s.splitSvc.RemoveOnPaymentCompletion(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("payment completed",
		zap.String("tableSessionID", sessionID),
		zap.String("participantID", participantID),
		zap.Int64("version", snap.Version),
	)
	return snap, nil
}

// Fail releases the payer's shape lock so the table can edit the split again.
func (s *Service) Fail(ctx context.Context, sessionID, participantID string) error {
	if err := s.splitSvc.HandlePaymentFailure(ctx, sessionID, participantID); err != nil {
		return err
	}
	logger.Log.Info("payment failed, split unlocked",
		zap.String("tableSessionID", sessionID),
		zap.String("participantID", participantID),
	)
	return nil
}
