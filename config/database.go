package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

// DBPool sizes the sql.DB behind gorm. Zero values leave the driver default.
type DBPool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func poolFromEnv() DBPool {
	return DBPool{
		MaxOpen:     intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdle:     intFromEnv("DB_MAX_IDLE_CONNS", 25),
		MaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		MaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

// DatabaseDSN builds the MySQL DSN from DB_* env vars.
// A DB_HOST of "/cloudsql/<CONNECTION_NAME>" dials the Cloud SQL unix socket.
func DatabaseDSN() string {
	host := os.Getenv("DB_HOST")
	addr := "tcp(" + host + ":" + os.Getenv("DB_PORT") + ")"
	if strings.HasPrefix(host, "/cloudsql/") {
		addr = "unix(" + host + ")"
	}
	// loc=UTC keeps period boundaries and lease expiries comparable across hosts.
	return fmt.Sprintf("%s:%s@%s/%s?parseTime=true&loc=UTC",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), addr, os.Getenv("DB_NAME"))
}

// ConnectDatabaseWithRetry opens DatabaseDSN, retrying until ctx ends, and
// sets the global DB.
func ConnectDatabaseWithRetry(ctx context.Context) (*gorm.DB, error) {
	var conn *gorm.DB
	err := dialWithRetry(ctx, "mysql", 0, logrus.Fields{"db_host": os.Getenv("DB_HOST")}, func() error {
		c, err := OpenDatabase(DatabaseDSN())
		if err != nil {
			return err
		}
		if err := pingDB(ctx, c); err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	db = conn
	return conn, nil
}

func pingDB(ctx context.Context, conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return err
	}
	return nil
}

// OpenDatabase opens dsn with pool sizes from DB_* env vars, the otelgorm
// tracing plugin and the tenant guard installed.
func OpenDatabase(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:  gormLogger(os.Getenv("GORM_LOG_LEVEL")),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := applyPool(conn, poolFromEnv()); err != nil {
		return nil, err
	}
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("otelgorm plugin: %w", err)
	}
	if err := conn.Use(NewTenantGuardPlugin()); err != nil {
		return nil, fmt.Errorf("tenant guard plugin: %w", err)
	}
	return conn, nil
}

func applyPool(conn *gorm.DB, p DBPool) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if p.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxIdle >= 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdle)
	}
	if p.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	}
	if p.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	}
	return nil
}

// gormLogger routes SQL logs through the process logger. level is one of
// silent, error (default), warn, info.
func gormLogger(level string) logger.Interface {
	lvl := logger.Error
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		lvl = logger.Silent
	case "warn":
		lvl = logger.Warn
	case "info":
		lvl = logger.Info
	}
	return logger.New(log.New(GetLogger().Writer(), "", 0), logger.Config{
		LogLevel:                  lvl,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}
