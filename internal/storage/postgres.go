package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/config"
	"thermohygrometer-server/internal/monitor"
)

//go:embed schema.sql
var schemaSQL string

// PostgresDB sqlx 连接池, 记录每个操作的耗时
type PostgresDB struct {
	db  *sqlx.DB
	log *logrus.Logger
	cfg config.DatabaseConfig
}

func NewPostgresDB(cfg config.DatabaseConfig, log *logrus.Logger) (*PostgresDB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host":           cfg.Host,
		"port":           cfg.Port,
		"database":       cfg.Name,
		"max_open_conns": cfg.MaxOpenConns,
	}).Info("PostgreSQL连接成功")

	return &PostgresDB{db: db, log: log, cfg: cfg}, nil
}

// NewPostgresDBFromSQLX 包装已有连接
func NewPostgresDBFromSQLX(db *sqlx.DB, log *logrus.Logger) *PostgresDB {
	return &PostgresDB{db: db, log: log}
}

func (p *PostgresDB) DB() *sqlx.DB {
	return p.db
}

// Migrate 执行内置建表语句 (幂等)
func (p *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := p.ExecContext(ctx, "migrate", schemaSQL); err != nil {
		return fmt.Errorf("建表失败: %w", err)
	}
	p.log.Info("数据库表结构已就绪")
	return nil
}

func (p *PostgresDB) observe(op string, start time.Time) {
	d := time.Since(start)
	monitor.DBQueryDuration.WithLabelValues(op).Observe(d.Seconds())
	p.log.WithFields(logrus.Fields{
		"operation":   op,
		"duration_ms": d.Milliseconds(),
	}).Debug("数据库操作完成")
}

func (p *PostgresDB) ExecContext(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	defer p.observe(op, time.Now())

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		p.log.WithField("operation", op).Errorf("执行失败: %v", err)
		return nil, err
	}
	return res, nil
}

func (p *PostgresDB) GetContext(ctx context.Context, op string, dest any, query string, args ...any) error {
	defer p.observe(op, time.Now())

	err := p.db.GetContext(ctx, dest, query, args...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		p.log.WithField("operation", op).Errorf("查询失败: %v", err)
	}
	return err
}

func (p *PostgresDB) SelectContext(ctx context.Context, op string, dest any, query string, args ...any) error {
	defer p.observe(op, time.Now())

	if err := p.db.SelectContext(ctx, dest, query, args...); err != nil {
		p.log.WithField("operation", op).Errorf("查询失败: %v", err)
		return err
	}
	return nil
}

// InTx 在事务中执行 fn, fn 返回错误时回滚
func (p *PostgresDB) InTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	defer p.observe(op, time.Now())

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// HealthCheck 检查数据库可用
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("数据库不可用: %w", err)
	}
	return nil
}

func (p *PostgresDB) Close() error {
	p.log.Info("关闭数据库连接")
	return p.db.Close()
}
