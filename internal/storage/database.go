// Package storage is the persistence layer. It wraps gorm over SQLite
// (default) or PostgreSQL (postgres:// DSN) and maps the engine's domain
// types onto relational rows. Money columns use fixed-point decimals.
//
// The in-memory book is authoritative: price-history and strategy-event
// write failures are the caller's to swallow; trade and position writes
// fail-close.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"polyladder/internal/types"
)

type Database struct {
	db *gorm.DB
}

// Models

type Market struct {
	ID            string `gorm:"primaryKey"`
	Question      string
	Slug          string
	Category      string
	Subcategory   string
	EndDate       time.Time
	GameStartTime *time.Time
	Volume24h     decimal.Decimal `gorm:"type:decimal(20,2)"`
	Liquidity     decimal.Decimal `gorm:"type:decimal(20,2)"`
	Outcomes      string          // JSON array
	ClobTokenIDs  string          // JSON array, parallel to Outcomes
	Active        bool
	Closed        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type MarketState struct {
	MarketID                string `gorm:"primaryKey"`
	Regime                  string
	LastPriceYes            float64
	LastPriceNo             float64
	LadderFilled            string          // JSON array of levels
	ExposureYes             decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExposureNo              decimal.Decimal `gorm:"type:decimal(20,6)"`
	TailActive              bool
	ConsensusBreakStartTime *time.Time
	ConsensusBreakConfirmed bool
	MoonBagActive           bool
	MoonBagPrice            float64
	StopLossTriggeredAt     *time.Time
	CooldownUntil           *time.Time
	ActiveTradeSide         string
	FirstEntryAt            *time.Time
	DCACount                int
	LastProcessed           time.Time
	UpdatedAt               time.Time
}

type Position struct {
	MarketID      string          `gorm:"primaryKey"`
	SharesYes     decimal.Decimal `gorm:"type:decimal(20,6)"`
	SharesNo      decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgEntryYes   decimal.Decimal `gorm:"type:decimal(10,6)"`
	AvgEntryNo    decimal.Decimal `gorm:"type:decimal(10,6)"`
	CostBasisYes  decimal.Decimal `gorm:"type:decimal(20,6)"`
	CostBasisNo   decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnl decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnl   decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt     time.Time
}

type Trade struct {
	ID             string `gorm:"primaryKey"`
	MarketID       string `gorm:"index"`
	Side           string
	Price          decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size           decimal.Decimal `gorm:"type:decimal(20,6)"` // quote currency
	Shares         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Strategy       string
	StrategyDetail string
	IsExit         bool
	Status         string
	Timestamp      time.Time `gorm:"index"`
}

type PriceHistory struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	MarketID   string `gorm:"index"`
	PriceYes   float64
	PriceNo    float64
	BestBidYes *float64
	BestAskYes *float64
	Timestamp  time.Time `gorm:"index"`
}

type PnlSnapshot struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	Timestamp      time.Time       `gorm:"index"`
	TotalValue     decimal.Decimal `gorm:"type:decimal(20,6)"`
	CashBalance    decimal.Decimal `gorm:"type:decimal(20,6)"`
	PositionsValue decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnl  decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnl    decimal.Decimal `gorm:"type:decimal(20,6)"`
}

type StrategyEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MarketID  string `gorm:"index"`
	Regime    string
	Strategy  string
	Action    string
	PriceYes  float64
	PriceNo   float64
	Details   string    // JSON
	Timestamp time.Time `gorm:"index"`
}

type TrackedMarket struct {
	ConditionID    string `gorm:"primaryKey"`
	Slug           string
	TokenID        string
	OutcomeIndex   int
	Outcome        string
	Title          string
	TraderName     string
	TraderWallet   string `gorm:"index"`
	TrackedPrice   float64
	CurrentPrice   float64
	Status         string `gorm:"index"`
	SignalTime     time.Time
	EnteredRangeAt *time.Time
	ExecutedAt     *time.Time
	UpdatedAt      time.Time
}

type BotConfig struct {
	ID            uint            `gorm:"primaryKey"`
	Bankroll      decimal.Decimal `gorm:"type:decimal(20,6)"`
	CashBalance   decimal.Decimal `gorm:"type:decimal(20,6)"`
	LockedProfits decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt     time.Time
}

// New opens the store. dsn is a file path for SQLite or a postgres:// URL.
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" && !strings.HasPrefix(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&Market{}, &MarketState{}, &Position{}, &Trade{}, &PriceHistory{},
		&PnlSnapshot{}, &StrategyEvent{}, &TrackedMarket{}, &BotConfig{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(6)
}

// Market operations

func (d *Database) SaveMarkets(markets []types.Market) error {
	for i := range markets {
		if err := d.SaveMarket(&markets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) SaveMarket(m *types.Market) error {
	outcomes, _ := json.Marshal(m.Outcomes)
	tokens, _ := json.Marshal(m.ClobTokenIDs)
	row := Market{
		ID:            m.ID,
		Question:      m.Question,
		Slug:          m.Slug,
		Category:      m.Category,
		Subcategory:   m.Subcategory,
		EndDate:       m.EndDate,
		GameStartTime: m.GameStartTime,
		Volume24h:     dec(m.Volume24h),
		Liquidity:     dec(m.Liquidity),
		Outcomes:      string(outcomes),
		ClobTokenIDs:  string(tokens),
		Active:        m.Active,
		Closed:        m.Closed,
	}
	return d.db.Save(&row).Error
}

func (d *Database) GetMarket(id string) (*types.Market, error) {
	var row Market
	if err := d.db.First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return rowToMarket(&row)
}

func (d *Database) GetMarkets() ([]types.Market, error) {
	var rows []Market
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Market, 0, len(rows))
	for i := range rows {
		m, err := rowToMarket(&rows[i])
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func rowToMarket(row *Market) (*types.Market, error) {
	m := &types.Market{
		ID:            row.ID,
		Question:      row.Question,
		Slug:          row.Slug,
		Category:      row.Category,
		Subcategory:   row.Subcategory,
		EndDate:       row.EndDate,
		GameStartTime: row.GameStartTime,
		Volume24h:     row.Volume24h.InexactFloat64(),
		Liquidity:     row.Liquidity.InexactFloat64(),
		Active:        row.Active,
		Closed:        row.Closed,
	}
	if row.Outcomes != "" {
		if err := json.Unmarshal([]byte(row.Outcomes), &m.Outcomes); err != nil {
			return nil, err
		}
	}
	if row.ClobTokenIDs != "" {
		if err := json.Unmarshal([]byte(row.ClobTokenIDs), &m.ClobTokenIDs); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Market state operations

func (d *Database) SaveMarketState(s *types.MarketState) error {
	filled, _ := json.Marshal(s.FilledLevels())
	row := MarketState{
		MarketID:                s.MarketID,
		Regime:                  string(s.Regime),
		LastPriceYes:            s.LastPriceYes,
		LastPriceNo:             s.LastPriceNo,
		LadderFilled:            string(filled),
		ExposureYes:             dec(s.ExposureYes),
		ExposureNo:              dec(s.ExposureNo),
		TailActive:              s.TailActive,
		ConsensusBreakStartTime: s.ConsensusBreakStartTime,
		ConsensusBreakConfirmed: s.ConsensusBreakConfirmed,
		MoonBagActive:           s.MoonBagActive,
		MoonBagPrice:            s.MoonBagPriceAtActivation,
		StopLossTriggeredAt:     s.StopLossTriggeredAt,
		CooldownUntil:           s.CooldownUntil,
		ActiveTradeSide:         string(s.ActiveTradeSide),
		FirstEntryAt:            s.FirstEntryAt,
		DCACount:                s.DCACount,
		LastProcessed:           s.LastProcessed,
	}
	return d.db.Save(&row).Error
}

func (d *Database) GetMarketStates() ([]types.MarketState, error) {
	var rows []MarketState
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.MarketState, 0, len(rows))
	for i := range rows {
		s, err := rowToState(&rows[i])
		if err != nil {
			log.Warn().Err(err).Str("market", rows[i].MarketID).Msg("skipping bad state row")
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func rowToState(row *MarketState) (*types.MarketState, error) {
	s := types.NewMarketState(row.MarketID)
	// Regime is recomputed from the current price on load; the stored
	// value is a hint only.
	s.Regime = types.Regime(row.Regime)
	s.LastPriceYes = row.LastPriceYes
	s.LastPriceNo = row.LastPriceNo
	s.ExposureYes = row.ExposureYes.InexactFloat64()
	s.ExposureNo = row.ExposureNo.InexactFloat64()
	s.TailActive = row.TailActive
	s.ConsensusBreakStartTime = row.ConsensusBreakStartTime
	s.ConsensusBreakConfirmed = row.ConsensusBreakConfirmed
	s.MoonBagActive = row.MoonBagActive
	s.MoonBagPriceAtActivation = row.MoonBagPrice
	s.StopLossTriggeredAt = row.StopLossTriggeredAt
	s.CooldownUntil = row.CooldownUntil
	s.ActiveTradeSide = types.Side(row.ActiveTradeSide)
	s.FirstEntryAt = row.FirstEntryAt
	s.DCACount = row.DCACount
	s.LastProcessed = row.LastProcessed

	if row.LadderFilled != "" {
		var levels []float64
		if err := json.Unmarshal([]byte(row.LadderFilled), &levels); err != nil {
			return nil, err
		}
		for _, lvl := range levels {
			s.LadderFilled[lvl] = true
		}
	}
	return s, nil
}

// Position operations

func (d *Database) SavePosition(p *types.Position) error {
	row := Position{
		MarketID:      p.MarketID,
		SharesYes:     dec(p.SharesYes),
		SharesNo:      dec(p.SharesNo),
		AvgEntryYes:   dec(p.AvgEntryYes),
		AvgEntryNo:    dec(p.AvgEntryNo),
		CostBasisYes:  dec(p.CostBasisYes),
		CostBasisNo:   dec(p.CostBasisNo),
		UnrealizedPnl: dec(p.UnrealizedPnl),
		RealizedPnl:   dec(p.RealizedPnl),
	}
	return d.db.Save(&row).Error
}

func (d *Database) DeletePosition(marketID string) error {
	return d.db.Delete(&Position{}, "market_id = ?", marketID).Error
}

func (d *Database) GetPositions() ([]types.Position, error) {
	var rows []Position
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.Position{
			MarketID:      row.MarketID,
			SharesYes:     row.SharesYes.InexactFloat64(),
			SharesNo:      row.SharesNo.InexactFloat64(),
			AvgEntryYes:   row.AvgEntryYes.InexactFloat64(),
			AvgEntryNo:    row.AvgEntryNo.InexactFloat64(),
			CostBasisYes:  row.CostBasisYes.InexactFloat64(),
			CostBasisNo:   row.CostBasisNo.InexactFloat64(),
			UnrealizedPnl: row.UnrealizedPnl.InexactFloat64(),
			RealizedPnl:   row.RealizedPnl.InexactFloat64(),
		})
	}
	return out, nil
}

// Trade operations

func (d *Database) SaveTrade(res *types.ExecutionResult) error {
	o := res.Order
	row := Trade{
		ID:             o.ID,
		MarketID:       o.MarketID,
		Side:           string(o.Side),
		Price:          dec(o.Price),
		Size:           dec(res.FilledUSDC),
		Shares:         dec(res.FilledShares),
		Strategy:       o.Strategy,
		StrategyDetail: o.Detail,
		IsExit:         o.IsExit,
		Status:         res.Status,
		Timestamp:      res.Timestamp,
	}
	return d.db.Create(&row).Error
}

func (d *Database) GetTradesForMarket(marketID string) ([]Trade, error) {
	var rows []Trade
	err := d.db.Where("market_id = ?", marketID).Order("timestamp ASC").Find(&rows).Error
	return rows, err
}

func (d *Database) RecentTrades(limit int) ([]Trade, error) {
	var rows []Trade
	err := d.db.Order("timestamp DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Price history (best effort; callers swallow errors)

func (d *Database) SavePricePoint(u *types.PriceUpdate) error {
	row := PriceHistory{
		MarketID:  u.MarketID,
		PriceYes:  u.PriceYes,
		PriceNo:   u.PriceNo,
		Timestamp: u.Timestamp,
	}
	if u.BestBidYes > 0 {
		v := u.BestBidYes
		row.BestBidYes = &v
	}
	if u.BestAskYes > 0 {
		v := u.BestAskYes
		row.BestAskYes = &v
	}
	return d.db.Create(&row).Error
}

// Snapshots and events

func (d *Database) SavePnlSnapshot(s *types.PortfolioSnapshot) error {
	row := PnlSnapshot{
		Timestamp:      s.Timestamp,
		TotalValue:     dec(s.TotalValue),
		CashBalance:    dec(s.CashBalance),
		PositionsValue: dec(s.PositionsValue),
		UnrealizedPnl:  dec(s.UnrealizedPnl),
		RealizedPnl:    dec(s.RealizedPnl),
	}
	return d.db.Create(&row).Error
}

func (d *Database) SaveStrategyEvent(marketID string, regime types.Regime, strategy types.StrategyKind, action string, priceYes, priceNo float64, details string) error {
	row := StrategyEvent{
		MarketID:  marketID,
		Regime:    string(regime),
		Strategy:  string(strategy),
		Action:    action,
		PriceYes:  priceYes,
		PriceNo:   priceNo,
		Details:   details,
		Timestamp: time.Now(),
	}
	return d.db.Create(&row).Error
}

// Tracked copy-trade markets

func (d *Database) UpsertTrackedMarket(t *TrackedMarket) error {
	return d.db.Save(t).Error
}

func (d *Database) GetTrackedByStatus(status types.TrackedStatus) ([]TrackedMarket, error) {
	var rows []TrackedMarket
	err := d.db.Where("status = ?", string(status)).Find(&rows).Error
	return rows, err
}

func (d *Database) GetTrackedMarket(conditionID string) (*TrackedMarket, error) {
	var row TrackedMarket
	if err := d.db.First(&row, "condition_id = ?", conditionID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Risk book persistence (single row)

func (d *Database) SaveRiskBook(bankroll, cash, locked float64) error {
	row := BotConfig{
		ID:            1,
		Bankroll:      dec(bankroll),
		CashBalance:   dec(cash),
		LockedProfits: dec(locked),
	}
	return d.db.Save(&row).Error
}

func (d *Database) GetRiskBook() (bankroll, cash, locked float64, ok bool) {
	var row BotConfig
	if err := d.db.First(&row, "id = ?", 1).Error; err != nil {
		return 0, 0, 0, false
	}
	return row.Bankroll.InexactFloat64(), row.CashBalance.InexactFloat64(), row.LockedProfits.InexactFloat64(), true
}
