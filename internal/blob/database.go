package blob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// documentID is the fixed primary key of the single state row.
const documentID = 1

// stateRow is the single-row table holding the serialized document.
type stateRow struct {
	ID        uint64         `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"`
}

// TableName fixes the table name for the state row.
func (stateRow) TableName() string { return "state_documents" }

// databaseStore keeps the document in one row of a relational table.
type databaseStore struct {
	conn *gorm.DB
}

func newGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             0,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// openSQLite opens a SQLite-backed store with busy-timeout and WAL
// defaults applied to the DSN.
func openSQLite(dsn string) (Store, error) {
	normalized := normalizeSQLiteDSN(dsn)
	conn, err := gorm.Open(sqlite.Open(normalized), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: open sqlite: %w", err)
	}
	return newDatabaseStore(conn)
}

// openPostgres opens a PostgreSQL-backed store via the pgx stdlib driver.
func openPostgres(dsn string) (Store, error) {
	cfg, errParse := pgx.ParseConfig(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("blob: parse dsn: %w", errParse)
	}
	sqlDB := stdlib.OpenDB(*cfg)

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("blob: open postgres: %w", err)
	}

	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := sqlDB.PingContext(pingCtx); errPing != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("blob: ping: %w", errPing)
	}
	return newDatabaseStore(conn)
}

// NewDatabaseStore wraps an existing gorm connection as a Store. Used by
// tests to run against in-memory SQLite.
func NewDatabaseStore(conn *gorm.DB) (Store, error) {
	return newDatabaseStore(conn)
}

func newDatabaseStore(conn *gorm.DB) (Store, error) {
	if errMigrate := conn.AutoMigrate(&stateRow{}); errMigrate != nil {
		return nil, fmt.Errorf("blob: migrate: %w", errMigrate)
	}
	return &databaseStore{conn: conn}, nil
}

func (s *databaseStore) Load(ctx context.Context) ([]byte, error) {
	var row stateRow
	if errFind := s.conn.WithContext(ctx).First(&row, documentID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: load: %w", errFind)
	}
	return []byte(row.Data), nil
}

func (s *databaseStore) Save(ctx context.Context, data []byte) error {
	row := stateRow{
		ID:        documentID,
		Data:      datatypes.JSON(data),
		UpdatedAt: time.Now().UTC(),
	}
	errSave := s.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if errSave != nil {
		return fmt.Errorf("blob: save: %w", errSave)
	}
	return nil
}

// normalizeSQLiteDSN converts sqlite URLs into file-based DSNs and adds
// the busy-timeout and journal parameters when missing.
func normalizeSQLiteDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		parts := strings.SplitN(trimmed, "://", 2)
		if len(parts) == 2 {
			trimmed = "file:" + parts[1]
		}
	}
	if strings.Contains(trimmed, "mode=memory") {
		return trimmed
	}
	sep := "?"
	if strings.Contains(trimmed, "?") {
		sep = "&"
	}
	if !strings.Contains(strings.ToLower(trimmed), "_busy_timeout") {
		trimmed += sep + "_busy_timeout=5000"
		sep = "&"
	}
	if !strings.Contains(strings.ToLower(trimmed), "_journal_mode") {
		trimmed += sep + "_journal_mode=WAL"
	}
	return trimmed
}
