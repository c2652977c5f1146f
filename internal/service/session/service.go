package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"tabsy-split-service/internal/model"
	"tabsy-split-service/internal/service/split"
	pkgAuth "tabsy-split-service/pkg/auth"
	apperrors "tabsy-split-service/pkg/errors"
	"tabsy-split-service/pkg/logger"
	"tabsy-split-service/pkg/utils/random"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns table sessions and their participant roster, and feeds
// presence changes into the split store's sync channel.
type Service struct {
	db       *gorm.DB
	splitSvc *split.Service
}

func NewService(db *gorm.DB, splitSvc *split.Service) *Service {
	return &Service{db: db, splitSvc: splitSvc}
}

type CreateParams struct {
	RestaurantID string
	TableNumber  string
	HostName     string
}

type JoinResult struct {
	Session     model.TableSession `json:"session"`
	Participant model.Participant  `json:"participant"`
	Token       string             `json:"token"`
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*JoinResult, error) {
	session := model.TableSession{
		ID:           uuid.NewString(),
		RestaurantID: p.RestaurantID,
		TableNumber:  p.TableNumber,
		JoinCode:     random.Code(6),
		Status:       "open",
	}
	host := model.Participant{
		GuestSessionID: uuid.NewString(),
		TableSessionID: session.ID,
		DisplayName:    displayNameOr(p.HostName, "Host"),
		IsHost:         true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		return tx.Create(&host).Error
	})
	if err != nil {
		return nil, err
	}

	token, err := pkgAuth.GenerateGuestToken(host.GuestSessionID, session.ID)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("table session created",
		zap.String("tableSessionID", session.ID),
		zap.String("joinCode", session.JoinCode),
	)
	return &JoinResult{Session: session, Participant: host, Token: token}, nil
}

// Join adds a guest device to a session, addressed by session id or by the
// short join code printed at the table.
func (s *Service) Join(ctx context.Context, sessionRef, displayName string) (*JoinResult, error) {
	session, err := s.findSession(ctx, sessionRef)
	if err != nil {
		return nil, err
	}
	if session.Status == "closed" {
		return nil, apperrors.ErrSessionClosed
	}

	guest := model.Participant{
		GuestSessionID: uuid.NewString(),
		TableSessionID: session.ID,
		DisplayName:    displayNameOr(displayName, "Guest"),
	}
	if err := s.db.WithContext(ctx).Create(&guest).Error; err != nil {
		return nil, err
	}

	if err := s.splitSvc.NotifyParticipantJoined(ctx, session.ID, guest.GuestSessionID); err != nil {
		logger.Log.Warn("failed to fold joiner into split",
			zap.String("tableSessionID", session.ID), zap.Error(err))
	}

	token, err := pkgAuth.GenerateGuestToken(guest.GuestSessionID, session.ID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Session: *session, Participant: guest, Token: token}, nil
}

func (s *Service) Leave(ctx context.Context, sessionID, guestID string) error {
	result := s.db.WithContext(ctx).
		Where("guest_session_id = ? AND table_session_id = ?", guestID, sessionID).
		Delete(&model.Participant{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrParticipantNotFound
	}
	return s.splitSvc.NotifyParticipantLeft(ctx, sessionID, guestID)
}

func (s *Service) Participants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	var rows []model.Participant
	if err := s.db.WithContext(ctx).
		Where("table_session_id = ?", sessionID).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ValidateAccess confirms a guest device belongs to a session before it may
// read state or attach to the sync channel.
func (s *Service) ValidateAccess(ctx context.Context, guestID, sessionID string) error {
	var session model.TableSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrSessionNotFound
		}
		return err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Participant{}).
		Where("guest_session_id = ? AND table_session_id = ?", guestID, sessionID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperrors.ErrNotAParticipant
	}
	return nil
}

func (s *Service) Close(ctx context.Context, sessionID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.TableSession{}).
		Where("id = ? AND status = ?", sessionID, "open").
		Updates(map[string]interface{}{"status": "closed", "closed_at": &now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

func (s *Service) findSession(ctx context.Context, ref string) (*model.TableSession, error) {
	var session model.TableSession
	query := s.db.WithContext(ctx)
	if len(ref) == 6 && !strings.Contains(ref, "-") {
		query = query.Where("join_code = ?", strings.ToUpper(ref))
	} else {
		query = query.Where("id = ?", ref)
	}
	if err := query.First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func displayNameOr(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	return name
}
