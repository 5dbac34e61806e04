package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the relational side of a subject. Its Status mirrors the
// SubjectStatus of the latest ledger event for the product; the ledger
// remains the source of truth for history.
type Product struct {
	ID        string          `gorm:"size:36;primaryKey" json:"id"`
	Name      string          `gorm:"size:128;not null" json:"name"`
	Category  string          `gorm:"size:64" json:"category"`
	Origin    string          `gorm:"size:128" json:"origin"`
	OwnerID   string          `gorm:"size:64;index;not null" json:"owner_id"`
	Status    string          `gorm:"size:32;not null" json:"status"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(20,4)" json:"unit_price"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string { return "product" }
