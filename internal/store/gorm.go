package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
)

// GormConfig selects and tunes the SQL backend.
type GormConfig struct {
	Driver          string // postgres or sqlite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Gorm is a Store backed by a SQL database through gorm.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*Gorm)(nil)

// OpenGorm connects to the configured database and migrates the schema.
func OpenGorm(cfg GormConfig, logger *zap.Logger) (*Gorm, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Invalid.Explain("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	g := NewGorm(db, logger)
	if err := g.Migrate(); err != nil {
		return nil, err
	}
	return g, nil
}

// NewGorm wraps an open connection.
func NewGorm(db *gorm.DB, logger *zap.Logger) *Gorm {
	return &Gorm{db: db, logger: logger}
}

// Migrate creates or updates the tables.
func (g *Gorm) Migrate() error {
	return g.db.AutoMigrate(
		&models.Currency{},
		&models.TradingPair{},
		&models.Order{},
		&models.Trade{},
		&models.Balance{},
		&models.FeeConfig{},
		&models.WithdrawalRequest{},
	)
}

func (g *Gorm) DB() *gorm.DB { return g.db }

func (g *Gorm) first(ctx context.Context, dst any, what string, key any, query string, args ...any) error {
	err := g.db.WithContext(ctx).Where(query, args...).Take(dst).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(what, key)
	}
	if err != nil {
		return errors.Unavailable.Explain("load %s %v", what, key).Wrap(err)
	}
	return nil
}

func (g *Gorm) Pair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	var p models.TradingPair
	if err := g.first(ctx, &p, "trading pair", symbol, "symbol = ?", symbol); err != nil {
		return nil, err
	}
	return &p, nil
}

func (g *Gorm) Currency(ctx context.Context, symbol string) (*models.Currency, error) {
	var c models.Currency
	if err := g.first(ctx, &c, "currency", symbol, "symbol = ?", symbol); err != nil {
		return nil, err
	}
	return &c, nil
}

func (g *Gorm) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := g.first(ctx, &o, "order", id, "id = ?", id); err != nil {
		return nil, err
	}
	return &o, nil
}

func (g *Gorm) Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.Balance, error) {
	var b models.Balance
	key := userID.String() + "/" + currency
	if err := g.first(ctx, &b, "balance", key, "user_id = ? AND currency = ?", userID, currency); err != nil {
		return nil, err
	}
	return &b, nil
}

func (g *Gorm) Withdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	if err := g.first(ctx, &w, "withdrawal", id, "id = ?", id); err != nil {
		return nil, err
	}
	return &w, nil
}

func (g *Gorm) ActiveFeeConfig(ctx context.Context, feeType models.FeeType) (*models.FeeConfig, error) {
	var f models.FeeConfig
	err := g.db.WithContext(ctx).
		Where("fee_type = ? AND active = ? AND currency = '' AND pair = ''", feeType, true).
		Order("id desc").Take(&f).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("fee config", feeType)
	}
	if err != nil {
		return nil, errors.Unavailable.Explain("load fee config").Wrap(err)
	}
	return &f, nil
}

func (g *Gorm) Pairs(ctx context.Context) ([]*models.TradingPair, error) {
	var out []*models.TradingPair
	if err := g.db.WithContext(ctx).Order("symbol").Find(&out).Error; err != nil {
		return nil, errors.Unavailable.Explain("list pairs").Wrap(err)
	}
	return out, nil
}

var liveStatuses = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusOpen,
	models.OrderStatusPartiallyFilled,
}

func (g *Gorm) OpenOrders(ctx context.Context, pair string) ([]*models.Order, error) {
	var out []*models.Order
	err := g.db.WithContext(ctx).
		Where("pair = ? AND status IN ?", pair, liveStatuses).
		Order("seq asc").Find(&out).Error
	if err != nil {
		return nil, errors.Unavailable.Explain("list open orders").Wrap(err)
	}
	return out, nil
}

func (g *Gorm) UserOrders(ctx context.Context, userID uuid.UUID, pair string) ([]*models.Order, error) {
	q := g.db.WithContext(ctx).Where("user_id = ? AND status IN ?", userID, liveStatuses)
	if pair != "" {
		q = q.Where("pair = ?", pair)
	}
	var out []*models.Order
	if err := q.Order("seq asc").Find(&out).Error; err != nil {
		return nil, errors.Unavailable.Explain("list user orders").Wrap(err)
	}
	return out, nil
}

func (g *Gorm) Trades(ctx context.Context, pair string, limit int) ([]*models.Trade, error) {
	q := g.db.WithContext(ctx).Where("pair = ?", pair).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*models.Trade
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Unavailable.Explain("list trades").Wrap(err)
	}
	return out, nil
}

func (g *Gorm) Balances(ctx context.Context, userID uuid.UUID) ([]*models.Balance, error) {
	var out []*models.Balance
	if err := g.db.WithContext(ctx).Where("user_id = ?", userID).Order("currency").Find(&out).Error; err != nil {
		return nil, errors.Unavailable.Explain("list balances").Wrap(err)
	}
	return out, nil
}

func (g *Gorm) MaxOrderSeq(ctx context.Context) (uint64, error) {
	var max uint64
	err := g.db.WithContext(ctx).Model(&models.Order{}).Select("COALESCE(MAX(seq), 0)").Scan(&max).Error
	if err != nil {
		return 0, errors.Unavailable.Explain("max order sequence").Wrap(err)
	}
	return max, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *Gorm) Begin(_ context.Context) (Tx, error) {
	return &gormTx{unit: newUnit(g, utcNow), g: g}, nil
}

type gormTx struct {
	unit
	g *Gorm
}

func upsert(tx *gorm.DB, value any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// Commit writes the staged records in one database transaction.
func (tx *gormTx) Commit(ctx context.Context) error {
	if err := tx.s.validate(); err != nil {
		return err
	}
	err := tx.g.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		for _, c := range tx.s.currencies {
			if err := upsert(db, c); err != nil {
				return err
			}
		}
		for _, p := range tx.s.pairs {
			if err := upsert(db, p); err != nil {
				return err
			}
		}
		for _, b := range tx.s.sortedBalances() {
			if err := upsert(db, b); err != nil {
				return err
			}
		}
		for _, o := range tx.s.sortedOrders() {
			if err := upsert(db, o); err != nil {
				return err
			}
		}
		for _, w := range tx.s.withdrawals {
			if err := upsert(db, w); err != nil {
				return err
			}
		}
		for _, f := range tx.s.fees {
			if err := upsert(db, f); err != nil {
				return err
			}
		}
		if len(tx.s.trades) > 0 {
			if err := db.Create(tx.s.trades).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tx.g.logger.Error("commit failed", zap.Error(err))
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Invalid.Explain("duplicate record").Wrap(err)
		}
		return errors.Unavailable.Explain("commit").Wrap(err)
	}
	tx.s.done = true
	return nil
}
