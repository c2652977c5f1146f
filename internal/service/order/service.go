package order

import (
	"context"

	"tabsy-split-service/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service is the bill/order collaborator: it supplies the outstanding
// balance and the item list the split engine divides. Menu and ordering
// flows live elsewhere; this surface only mirrors what a split needs.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

type ItemParams struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

func (s *Service) AddItems(ctx context.Context, sessionID string, params []ItemParams) ([]model.OrderItem, error) {
	items := make([]model.OrderItem, 0, len(params))
	for _, p := range params {
		qty := p.Quantity
		if qty <= 0 {
			qty = 1
		}
		items = append(items, model.OrderItem{
			ID:             uuid.NewString(),
			TableSessionID: sessionID,
			Name:           p.Name,
			Quantity:       qty,
			UnitPrice:      p.UnitPrice,
			Subtotal:       p.UnitPrice * float64(qty),
		})
	}
	if len(items) == 0 {
		return items, nil
	}
	if err := s.db.WithContext(ctx).Create(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) ListItems(ctx context.Context, sessionID string, includePaid bool) ([]model.OrderItem, error) {
	var items []model.OrderItem
	query := s.db.WithContext(ctx).Where("table_session_id = ?", sessionID)
	if !includePaid {
		query = query.Where("paid = ?", false)
	}
	if err := query.Order("created_at").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) RemainingBalance(ctx context.Context, sessionID string) (float64, error) {
	items, err := s.ListItems(ctx, sessionID, false)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, item := range items {
		total += item.Subtotal
	}
	return total, nil
}
