// Package storage keeps the registry of reference calls: where their audio
// and feature caches live, and enough metadata to score against them.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const DefaultDBFile = "callscore.sqlite3"

var ErrNotFound = errors.New("storage: reference not found")

type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

// ReferenceCall is one registered master call.
type ReferenceCall struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	Name       string `gorm:"index:idx_ref_name"`
	AudioPath  string
	CachePath  string
	SampleRate int
	FrameCount int
	DurationMs int
	CreatedAt  time.Time
}

func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("CALLSCORE_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&ReferenceCall{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// RegisterReference inserts or replaces a reference-call row.
func (c *DBClient) RegisterReference(ref *ReferenceCall) error {
	if ref.ID == "" {
		return errors.New("storage: reference id is empty")
	}
	return c.DB.Save(ref).Error
}

// GetReference resolves a reference call by id.
func (c *DBClient) GetReference(id string) (*ReferenceCall, error) {
	var ref ReferenceCall
	if err := c.DB.First(&ref, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &ref, nil
}

// ListReferences returns all registered reference calls, newest first.
func (c *DBClient) ListReferences() ([]ReferenceCall, error) {
	var refs []ReferenceCall
	if err := c.DB.Order("created_at desc").Find(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}

// DeleteReference removes a reference-call row. The cache file on disk is the
// caller's to clean up.
func (c *DBClient) DeleteReference(id string) error {
	res := c.DB.Delete(&ReferenceCall{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
