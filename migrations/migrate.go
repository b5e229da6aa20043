package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 数据库迁移器
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator 创建迁移器
func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger}
}

// Source 返回内嵌迁移文件的 source 驱动
func Source() (source.Driver, error) {
	src, err := iofs.New(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source failed: %w", err)
	}
	return src, nil
}

func (m *Migrator) newMigrate() (*migrate.Migrate, error) {
	src, err := Source()
	if err != nil {
		return nil, err
	}
	driver, err := pgx.WithInstance(m.db, &pgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("create pgx driver failed: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator failed: %w", err)
	}
	return mg, nil
}

// Up 执行全部未应用的迁移
func (m *Migrator) Up() error {
	mg, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return m.logVersion(mg, "migration completed")
}

// Rollback 回滚一个版本
func (m *Migrator) Rollback() error {
	mg, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to rollback")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}
	return m.logVersion(mg, "rollback completed")
}

func (m *Migrator) logVersion(mg *migrate.Migrate, msg string) error {
	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}
	m.logger.Info(msg, zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
