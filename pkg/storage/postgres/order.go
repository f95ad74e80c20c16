package postgres

import (
	"context"
	"errors"
	"fmt"

	"ematrader/internal/trader/dispatch"

	"gorm.io/gorm/clause"
)

var ErrDuplicateRecord = errors.New("duplicate order record skipped")

func (c *Client) InsertOrder(ctx context.Context, record *OrderRecord) error {
	tx := c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "dedupe_key"},
			{Name: "outcome"},
		},
		DoNothing: true,
	}).Create(record)

	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: dedupe_key=%s outcome=%s", ErrDuplicateRecord, record.DedupeKey, record.Outcome)
	}

	return nil
}

// GetOrders returns the records for one dedupe key, oldest first.
func (c *Client) GetOrders(ctx context.Context, dedupeKey string) ([]OrderRecord, error) {
	var records []OrderRecord
	err := c.DB.WithContext(ctx).
		Where("dedupe_key = ?", dedupeKey).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ToOrderRecord converts a dispatch outcome into a row.
func ToOrderRecord(e dispatch.Entry) *OrderRecord {
	rec := &OrderRecord{
		DedupeKey:     e.Request.DedupeKey,
		Outcome:       e.Outcome,
		Symbol:        e.Request.Symbol,
		Side:          e.Request.Side.String(),
		Quantity:      e.Request.Quantity,
		Cycle:         e.Request.Cycle,
		Price:         e.Request.Price,
		EMA:           e.Request.EMA,
		Attempts:      e.Attempts,
		BrokerOrderID: e.Result.BrokerOrderID,
		Status:        e.Result.Status,
		SignalledAt:   e.Request.CreatedAt,
		OutcomeAt:     e.At,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	return rec
}

// Journal writes dispatch outcomes to order_record.
type Journal struct {
	client *Client
}

func NewJournal(client *Client) *Journal {
	return &Journal{client: client}
}

// Record implements dispatch.Journal. Re-recording the same outcome is not an error.
func (j *Journal) Record(ctx context.Context, e dispatch.Entry) error {
	err := j.client.InsertOrder(ctx, ToOrderRecord(e))
	if errors.Is(err, ErrDuplicateRecord) {
		return nil
	}
	return err
}
