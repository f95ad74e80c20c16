package postgres

import (
	"context"
	"fmt"
	"time"

	"ematrader/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// Client holds the order journal's gorm handle.
type Client struct {
	DB *gorm.DB
}

// Connect opens dsn. gorm's slow-query and error lines go to logger.
func Connect(dsn string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(gormWriter{logger.Sugar()}, gormlogger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Client{DB: db}, nil
}

// Open readies the journal database: create it if asked, connect, size the
// pool, then migrate order_record.
func Open(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Client, error) {
	if cfg.CreateDB {
		if err := ensureDatabase(ctx, cfg); err != nil {
			return nil, fmt.Errorf("ensure database %s: %w", cfg.DBName, err)
		}
	}

	c, err := Connect(cfg.DSN(), logger)
	if err != nil {
		return nil, err
	}
	if err := c.limitPool(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.Migrate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) limitPool(cfg config.PostgresConfig) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve raw DB: %w", err)
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
	return nil
}

// Migrate creates or updates the order_record table.
func (c *Client) Migrate(ctx context.Context) error {
	if err := c.DB.WithContext(ctx).AutoMigrate(&OrderRecord{}); err != nil {
		return fmt.Errorf("auto-migrate order table: %w", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve raw DB: %w", err)
	}
	return sqlDB.Close()
}

// gormWriter feeds gorm's printf-style logger into zap.
type gormWriter struct {
	log *zap.SugaredLogger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warnf(format, args...)
}
