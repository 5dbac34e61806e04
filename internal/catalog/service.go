package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agritrace-io/ledger-service/internal/directory"
	"github.com/agritrace-io/ledger-service/internal/ledger"
	"github.com/agritrace-io/ledger-service/internal/model"
)

// ErrProductNotFound is the miss outcome for product point lookups.
var ErrProductNotFound = errors.New("product not found")

// Service glues product CRUD to the event ledger. Every mutation appends
// the matching EventRecord; if the append fails the relational write rolls
// back, so the ledger never lags the catalog.
type Service struct {
	db  *gorm.DB
	led *ledger.Ledger
	dir *directory.Cache
	log *zap.SugaredLogger
}

// NewService returns a catalog Service.
func NewService(db *gorm.DB, led *ledger.Ledger, dir *directory.Cache, log *zap.SugaredLogger) *Service {
	return &Service{db: db, led: led, dir: dir, log: log}
}

// roleOf freezes the actor's current role into the event being written.
// An unknown actor gets an empty role; the ledger trusts what it is given.
func (s *Service) roleOf(ctx context.Context, actorID string) model.Role {
	rec, err := s.dir.ByID(ctx, actorID)
	if err != nil {
		s.log.Debugf("role lookup for %s: %v", actorID, err)
		return ""
	}
	return rec.Role
}

func (s *Service) appendEvent(ctx context.Context, p *Product, actorFrom, actorTo string, action model.ActionType, status model.SubjectStatus, details *model.EventDetails) error {
	_, err := s.led.Append(ctx, &model.EventRecord{
		SubjectID:     p.ID,
		ActorFrom:     actorFrom,
		ActorTo:       actorTo,
		ActorFromRole: s.roleOf(ctx, actorFrom),
		ActorToRole:   s.roleOf(ctx, actorTo),
		Action:        action,
		SubjectStatus: status,
		Details:       details,
	})
	return err
}

// Create registers a product and appends its CREATE event.
func (s *Service) Create(ctx context.Context, p *Product, actorID string) (*Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = string(model.StatusCreated)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		return s.appendEvent(ctx, p, actorID, actorID, model.ActionCreate, model.StatusCreated, nil)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get fetches one product.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListByOwner returns the owner's products, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Product, error) {
	var out []Product
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Update modifies descriptive fields and appends an UPDATE event.
func (s *Service) Update(ctx context.Context, id, actorID string, mutate func(*Product)) (*Product, error) {
	var p *Product
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Product
		if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProductNotFound
			}
			return err
		}
		mutate(&cur)
		cur.ID = id
		cur.Status = string(model.StatusUpdated)
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		p = &cur
		return s.appendEvent(ctx, &cur, actorID, actorID, model.ActionUpdate, model.StatusUpdated, nil)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Transfer hands the product to a new owner and appends a TRANSFER event.
func (s *Service) Transfer(ctx context.Context, id, fromID, toID string) (*Product, error) {
	if fromID == toID {
		return nil, errors.New("cannot transfer to self")
	}
	var p *Product
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Product
		if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProductNotFound
			}
			return err
		}
		if cur.OwnerID != fromID {
			return errors.New("transfer requires the current owner")
		}
		cur.OwnerID = toID
		cur.Status = string(model.StatusTransferred)
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		p = &cur
		return s.appendEvent(ctx, &cur, fromID, toID, model.ActionTransfer, model.StatusTransferred, nil)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Verify marks the product verified by a regulator and appends the event.
func (s *Service) Verify(ctx context.Context, id, actorID string) (*Product, error) {
	return s.statusChange(ctx, id, actorID, model.ActionVerify, model.StatusVerified, nil)
}

// Recall pulls the product from circulation; reason is mandatory.
func (s *Service) Recall(ctx context.Context, id, actorID, reason string) (*Product, error) {
	return s.statusChange(ctx, id, actorID, model.ActionRecall, model.StatusRecalled,
		&model.EventDetails{Reason: reason})
}

func (s *Service) statusChange(ctx context.Context, id, actorID string, action model.ActionType, status model.SubjectStatus, details *model.EventDetails) (*Product, error) {
	var p *Product
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Product
		if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProductNotFound
			}
			return err
		}
		cur.Status = string(status)
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		p = &cur
		return s.appendEvent(ctx, &cur, actorID, actorID, action, status, details)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// lowStockThreshold flags a product LOW_STOCK once its level drops to this
// quantity or below without running out entirely.
var lowStockThreshold = decimal.NewFromInt(5)

func stockStatus(level decimal.Decimal) model.SubjectStatus {
	switch {
	case level.IsZero():
		return model.StatusOutOfStock
	case level.LessThanOrEqual(lowStockThreshold):
		return model.StatusLowStock
	default:
		return model.StatusInStock
	}
}

// MoveStock records a stock movement for the product and refreshes its
// status from the resulting level. action must be one of the STOCK_*
// actions; qty is the delta for IN/OUT and the absolute level for ADJUST.
// The level is computed before the event is written so the frozen status
// and the product row agree.
func (s *Service) MoveStock(ctx context.Context, id, actorID string, action model.ActionType, qty decimal.Decimal, reason string) (decimal.Decimal, error) {
	var level decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Product
		if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProductNotFound
			}
			return err
		}
		before, err := s.led.CurrentStock(ctx, cur.ID)
		if err != nil && !errors.Is(err, ledger.ErrNoStockHistory) {
			return err
		}
		lvl := ledger.ApplyMovement(before, action, qty)
		status := stockStatus(lvl)
		if err := s.appendEvent(ctx, &cur, actorID, actorID, action, status,
			&model.EventDetails{Quantity: &qty, Reason: reason}); err != nil {
			return err
		}
		level = lvl
		cur.Status = string(status)
		return tx.Save(&cur).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return level, nil
}
