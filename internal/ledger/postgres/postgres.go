// internal/ledger/postgres/postgres.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deltaquant/perpbot/internal/ledger"
)

// Store is the durable ledger implementation backed by Postgres. Open and
// close run inside a database transaction with the agent's account row
// locked, which gives the per-agent atomicity the lifecycle relies on.
type Store struct {
	db          *gorm.DB
	logger      *zap.Logger
	initialCash decimal.Decimal
}

func NewStore(dsn string, initialCash decimal.Decimal, zapLogger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Store{
		db:          db,
		logger:      zapLogger,
		initialCash: initialCash,
	}, nil
}

// RunMigrations creates or updates the ledger tables.
func (s *Store) RunMigrations() error {
	var lockObtained bool
	if err := s.db.Raw("SELECT pg_try_advisory_lock(4217)").Scan(&lockObtained).Error; err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer s.db.Exec("SELECT pg_advisory_unlock(4217)")

	if err := s.db.AutoMigrate(&accountRow{}, &positionRow{}, &closedPositionRow{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// accountForUpdate loads the agent's account row with a row lock, creating
// it with the initial cash on first access.
func (s *Store) accountForUpdate(tx *gorm.DB, kind string) (*accountRow, error) {
	var row accountRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kind = ?", kind).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = accountRow{
			Kind:          kind,
			AvailableCash: s.initialCash,
			AccountValue:  s.initialCash,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) Account(ctx context.Context, kind string) (ledger.Account, error) {
	var out ledger.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.accountForUpdate(tx, kind)
		if err != nil {
			return err
		}
		out = toAccount(row)
		return nil
	})
	return out, err
}

func (s *Store) OpenPositions(ctx context.Context, kind string) ([]ledger.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("opened_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]ledger.Position, 0, len(rows))
	for i := range rows {
		out = append(out, toPosition(&rows[i]))
	}
	return out, nil
}

func (s *Store) ClosedPositions(ctx context.Context, kind string) ([]ledger.ClosedPosition, error) {
	var rows []closedPositionRow
	err := s.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("closed_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]ledger.ClosedPosition, 0, len(rows))
	for i := range rows {
		out = append(out, toClosedPosition(&rows[i]))
	}
	return out, nil
}

func (s *Store) OpenPosition(ctx context.Context, kind string, pos ledger.Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.accountForUpdate(tx, kind)
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&positionRow{}).
			Where("kind = ? AND symbol = ?", kind, pos.Symbol).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ledger.ErrPositionExists
		}
		if pos.NotionalUSD.GreaterThan(acct.AvailableCash) {
			return ledger.ErrInsufficientCash
		}

		row := fromPosition(kind, &pos)
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		acct.AvailableCash = acct.AvailableCash.Sub(pos.NotionalUSD)
		return tx.Model(&accountRow{}).
			Where("kind = ?", kind).
			Update("available_cash", acct.AvailableCash).Error
	})
}

func (s *Store) UpdatePosition(ctx context.Context, kind, symbol string, upd ledger.PositionUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row positionRow
		err := tx.Where("kind = ? AND symbol = ?", kind, symbol).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrPositionNotFound
		}
		if err != nil {
			return err
		}

		row.CurrentPrice = upd.CurrentPrice
		row.UnrealizedPnL = upd.UnrealizedPnL
		if upd.Reasoning != "" {
			trail := decodeReasoning(row.Reasoning)
			trail = append(trail, ledger.ReasoningEntry{
				Timestamp: time.Now().UTC(),
				Text:      upd.Reasoning,
			})
			row.Reasoning = encodeReasoning(trail)
		}
		return tx.Save(&row).Error
	})
}

func (s *Store) ClosePosition(ctx context.Context, kind, symbol string, exitPrice decimal.Decimal, reason string) (ledger.ClosedPosition, error) {
	var out ledger.ClosedPosition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.accountForUpdate(tx, kind)
		if err != nil {
			return err
		}

		var row positionRow
		err = tx.Where("kind = ? AND symbol = ?", kind, symbol).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrPositionNotFound
		}
		if err != nil {
			return err
		}

		pos := toPosition(&row)
		if reason != "" {
			pos.AddReasoning(reason)
		}
		pnl := ledger.RealizedPnL(pos.EntryPrice, exitPrice, pos.Quantity, pos.Leverage)

		out = ledger.ClosedPosition{
			Position:    pos,
			ExitPrice:   exitPrice,
			RealizedPnL: pnl,
			Reason:      reason,
			ClosedAt:    time.Now().UTC(),
		}
		if err := tx.Create(fromClosedPosition(kind, &out)).Error; err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}

		acct.AvailableCash = acct.AvailableCash.Add(pos.NotionalUSD).Add(pnl)
		return tx.Model(&accountRow{}).
			Where("kind = ?", kind).
			Update("available_cash", acct.AvailableCash).Error
	})
	return out, err
}

func (s *Store) AdjustCash(ctx context.Context, kind string, delta decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.accountForUpdate(tx, kind)
		if err != nil {
			return err
		}
		return tx.Model(&accountRow{}).
			Where("kind = ?", kind).
			Update("available_cash", acct.AvailableCash.Add(delta)).Error
	})
}

func (s *Store) UpdateSummary(ctx context.Context, kind string, upd ledger.SummaryUpdate) error {
	updates := map[string]interface{}{}
	if upd.AccountValue != nil {
		updates["account_value"] = *upd.AccountValue
	}
	if upd.TotalReturnPct != nil {
		updates["total_return_pct"] = *upd.TotalReturnPct
	}
	if upd.SharpeRatio != nil {
		updates["sharpe_ratio"] = *upd.SharpeRatio
	}
	if upd.LatestResponse != nil {
		updates["latest_response"] = *upd.LatestResponse
	}
	if len(updates) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.accountForUpdate(tx, kind); err != nil {
			return err
		}
		return tx.Model(&accountRow{}).Where("kind = ?", kind).Updates(updates).Error
	})
}

func (s *Store) ClearTrades(ctx context.Context, kind string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.accountForUpdate(tx, kind); err != nil {
			return err
		}
		if err := tx.Where("kind = ?", kind).Delete(&positionRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("kind = ?", kind).Delete(&closedPositionRow{}).Error; err != nil {
			return err
		}
		return tx.Model(&accountRow{}).Where("kind = ?", kind).Updates(map[string]interface{}{
			"available_cash": s.initialCash,
			"account_value":  s.initialCash,
		}).Error
	})
}

var _ ledger.Store = (*Store)(nil)

func toAccount(row *accountRow) ledger.Account {
	return ledger.Account{
		Kind:           row.Kind,
		AvailableCash:  row.AvailableCash,
		AccountValue:   row.AccountValue,
		TotalReturnPct: row.TotalReturnPct,
		SharpeRatio:    row.SharpeRatio,
		LatestResponse: row.LatestResponse,
		UpdatedAt:      row.UpdatedAt,
	}
}

func toPosition(row *positionRow) ledger.Position {
	return ledger.Position{
		Symbol:       row.Symbol,
		Quantity:     row.Quantity,
		EntryPrice:   row.EntryPrice,
		CurrentPrice: row.CurrentPrice,
		Leverage:     row.Leverage,
		ExitPlan: ledger.ExitPlan{
			ProfitTarget:          row.ProfitTarget,
			StopLoss:              row.StopLoss,
			InvalidationCondition: row.Invalidation,
		},
		LiquidationPrice: row.LiquidationPrice,
		UnrealizedPnL:    row.UnrealizedPnL,
		Confidence:       row.Confidence,
		RiskUSD:          row.RiskUSD,
		NotionalUSD:      row.NotionalUSD,
		EntryOID:         row.EntryOID,
		StopLossOID:      row.StopLossOID,
		TakeProfitOID:    row.TakeProfitOID,
		OpenedAt:         row.OpenedAt,
		Reasoning:        decodeReasoning(row.Reasoning),
	}
}

func fromPosition(kind string, pos *ledger.Position) *positionRow {
	return &positionRow{
		Kind:             kind,
		Symbol:           pos.Symbol,
		Quantity:         pos.Quantity,
		EntryPrice:       pos.EntryPrice,
		CurrentPrice:     pos.CurrentPrice,
		Leverage:         pos.Leverage,
		ProfitTarget:     pos.ExitPlan.ProfitTarget,
		StopLoss:         pos.ExitPlan.StopLoss,
		Invalidation:     pos.ExitPlan.InvalidationCondition,
		LiquidationPrice: pos.LiquidationPrice,
		UnrealizedPnL:    pos.UnrealizedPnL,
		Confidence:       pos.Confidence,
		RiskUSD:          pos.RiskUSD,
		NotionalUSD:      pos.NotionalUSD,
		EntryOID:         pos.EntryOID,
		StopLossOID:      pos.StopLossOID,
		TakeProfitOID:    pos.TakeProfitOID,
		Reasoning:        encodeReasoning(pos.Reasoning),
		OpenedAt:         pos.OpenedAt,
	}
}

func toClosedPosition(row *closedPositionRow) ledger.ClosedPosition {
	return ledger.ClosedPosition{
		Position: ledger.Position{
			Symbol:     row.Symbol,
			Quantity:   row.Quantity,
			EntryPrice: row.EntryPrice,
			Leverage:   row.Leverage,
			ExitPlan: ledger.ExitPlan{
				ProfitTarget:          row.ProfitTarget,
				StopLoss:              row.StopLoss,
				InvalidationCondition: row.Invalidation,
			},
			LiquidationPrice: row.LiquidationPrice,
			Confidence:       row.Confidence,
			RiskUSD:          row.RiskUSD,
			NotionalUSD:      row.NotionalUSD,
			OpenedAt:         row.OpenedAt,
			Reasoning:        decodeReasoning(row.Reasoning),
		},
		ExitPrice:   row.ExitPrice,
		RealizedPnL: row.RealizedPnL,
		Reason:      row.Reason,
		ClosedAt:    row.ClosedAt,
	}
}

func fromClosedPosition(kind string, cp *ledger.ClosedPosition) *closedPositionRow {
	return &closedPositionRow{
		Kind:             kind,
		Symbol:           cp.Symbol,
		Quantity:         cp.Quantity,
		EntryPrice:       cp.EntryPrice,
		ExitPrice:        cp.ExitPrice,
		Leverage:         cp.Leverage,
		ProfitTarget:     cp.ExitPlan.ProfitTarget,
		StopLoss:         cp.ExitPlan.StopLoss,
		Invalidation:     cp.ExitPlan.InvalidationCondition,
		LiquidationPrice: cp.LiquidationPrice,
		Confidence:       cp.Confidence,
		RiskUSD:          cp.RiskUSD,
		NotionalUSD:      cp.NotionalUSD,
		RealizedPnL:      cp.RealizedPnL,
		Reason:           cp.Reason,
		Reasoning:        encodeReasoning(cp.Reasoning),
		OpenedAt:         cp.OpenedAt,
		ClosedAt:         cp.ClosedAt,
	}
}

func encodeReasoning(entries []ledger.ReasoningEntry) string {
	if len(entries) == 0 {
		return "[]"
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeReasoning(raw string) []ledger.ReasoningEntry {
	if raw == "" {
		return nil
	}
	var entries []ledger.ReasoningEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}
