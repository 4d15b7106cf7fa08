// internal/ledger/postgres/models.go
package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

type accountRow struct {
	ID             uint            `gorm:"primarykey"`
	Kind           string          `gorm:"uniqueIndex;not null;type:varchar(100)"`
	AvailableCash  decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	AccountValue   decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	TotalReturnPct decimal.Decimal `gorm:"type:decimal(24,8)"`
	SharpeRatio    decimal.Decimal `gorm:"type:decimal(24,8)"`
	LatestResponse string          `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"default:CURRENT_TIMESTAMP"`
}

func (accountRow) TableName() string { return "accounts" }

type positionRow struct {
	ID               uint            `gorm:"primarykey"`
	Kind             string          `gorm:"index:idx_positions_kind_symbol,unique;not null;type:varchar(100)"`
	Symbol           string          `gorm:"index:idx_positions_kind_symbol,unique;not null;type:varchar(20)"`
	Quantity         decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	EntryPrice       decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	CurrentPrice     decimal.Decimal `gorm:"type:decimal(24,8)"`
	Leverage         int             `gorm:"not null"`
	ProfitTarget     decimal.Decimal `gorm:"type:decimal(24,8)"`
	StopLoss         decimal.Decimal `gorm:"type:decimal(24,8)"`
	Invalidation     string          `gorm:"type:text"`
	LiquidationPrice decimal.Decimal `gorm:"type:decimal(24,8)"`
	UnrealizedPnL    decimal.Decimal `gorm:"type:decimal(24,8)"`
	Confidence       float64
	RiskUSD          decimal.Decimal `gorm:"type:decimal(24,8)"`
	NotionalUSD      decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	EntryOID         string          `gorm:"type:varchar(40)"`
	StopLossOID      string          `gorm:"type:varchar(40)"`
	TakeProfitOID    string          `gorm:"type:varchar(40)"`
	Reasoning        string          `gorm:"type:jsonb"`
	OpenedAt         time.Time
	CreatedAt        time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

func (positionRow) TableName() string { return "positions" }

type closedPositionRow struct {
	ID               uint            `gorm:"primarykey"`
	Kind             string          `gorm:"index;not null;type:varchar(100)"`
	Symbol           string          `gorm:"not null;type:varchar(20)"`
	Quantity         decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	EntryPrice       decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	ExitPrice        decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	Leverage         int             `gorm:"not null"`
	ProfitTarget     decimal.Decimal `gorm:"type:decimal(24,8)"`
	StopLoss         decimal.Decimal `gorm:"type:decimal(24,8)"`
	Invalidation     string          `gorm:"type:text"`
	LiquidationPrice decimal.Decimal `gorm:"type:decimal(24,8)"`
	Confidence       float64
	RiskUSD          decimal.Decimal `gorm:"type:decimal(24,8)"`
	NotionalUSD      decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	RealizedPnL      decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	Reason           string          `gorm:"type:text"`
	Reasoning        string          `gorm:"type:jsonb"`
	OpenedAt         time.Time
	ClosedAt         time.Time `gorm:"index"`
	CreatedAt        time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

func (closedPositionRow) TableName() string { return "closed_positions" }
