package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is one dispatch outcome kept for audit. The table is written,
// never read back by the trader.
type OrderRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	DedupeKey string `gorm:"type:varchar(64);not null;index:idx_dedupe_key_outcome,unique"`
	Outcome   string `gorm:"type:varchar(16);not null;index:idx_dedupe_key_outcome,unique"`

	Symbol   string          `gorm:"type:text;not null;index:idx_order_symbol"`
	Side     string          `gorm:"type:varchar(4);not null"`
	Quantity decimal.Decimal `gorm:"type:numeric;not null"`
	Cycle    uint64          `gorm:"not null"`

	Price decimal.Decimal `gorm:"type:numeric;not null"`
	EMA   decimal.Decimal `gorm:"type:numeric;not null"`

	Attempts      int    `gorm:"not null"`
	BrokerOrderID string `gorm:"type:text"`
	Status        string `gorm:"type:text"`
	Error         string `gorm:"type:text"`

	SignalledAt time.Time `gorm:"not null;index:idx_order_signalled_at"`
	OutcomeAt   time.Time `gorm:"not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (OrderRecord) TableName() string {
	return "order_record"
}
