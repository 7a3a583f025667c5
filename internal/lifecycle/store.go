package lifecycle

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sandboxd/internal/sberrors"
)

// Metadata is the only persisted sandbox state. Command, process and log
// data are volatile; a restart loses them.
type Metadata struct {
	SandboxName string `gorm:"primaryKey" json:"sandboxName,omitempty"`
	BaseURL     string `json:"baseUrl,omitempty"`
	SleepAfter  int64  `json:"sleepAfter,omitempty"` // milliseconds; 0 = never
	KeepAlive   bool   `json:"keepAlive"`
	UpdatedAt   time.Time
}

// Store persists per-sandbox metadata in a local sqlite file.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (and migrates) the metadata database at path.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, sberrors.Wrap(sberrors.InternalError, err, "open state store: %v", err)
	}
	if err := db.AutoMigrate(&Metadata{}); err != nil {
		return nil, sberrors.Wrap(sberrors.InternalError, err, "migrate state store: %v", err)
	}
	return &Store{db: db}, nil
}

// Save upserts the sandbox metadata.
func (s *Store) Save(meta *Metadata) error {
	meta.UpdatedAt = time.Now()
	if err := s.db.Save(meta).Error; err != nil {
		return sberrors.Wrap(sberrors.InternalError, err, "save metadata: %v", err)
	}
	return nil
}

// Load returns the metadata for a sandbox, or nil when none was persisted.
func (s *Store) Load(sandboxName string) (*Metadata, error) {
	var meta Metadata
	err := s.db.First(&meta, "sandbox_name = ?", sandboxName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, sberrors.Wrap(sberrors.InternalError, err, "load metadata: %v", err)
	}
	return &meta, nil
}

// Delete removes the metadata row at sandbox teardown.
func (s *Store) Delete(sandboxName string) error {
	if err := s.db.Delete(&Metadata{}, "sandbox_name = ?", sandboxName).Error; err != nil {
		return sberrors.Wrap(sberrors.InternalError, err, "delete metadata: %v", err)
	}
	return nil
}
