// Package registry records installed worker versions, the revisions of
// their precached URLs and the partitions retired on activation.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

type Version struct {
	Version     string     `gorm:"primaryKey" json:"version"`
	State       string     `json:"state"`
	InstalledAt time.Time  `json:"installedAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type PrecacheEntry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Version   string    `gorm:"uniqueIndex:idx_precache_version_url;not null" json:"version"`
	URL       string    `gorm:"uniqueIndex:idx_precache_version_url;not null" json:"url"`
	Revision  string    `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RetiredPartition struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Name      string    `gorm:"index;not null" json:"name"`
	RetiredBy string    `json:"retiredBy"`
	RetiredAt time.Time `json:"retiredAt"`
}

type Registry struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at dsn and migrates
// the schema. ":memory:" gives a throwaway registry.
func Open(dsn string, log zerolog.Logger) (*Registry, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("registry dir: %w", err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; an in-memory database also lives in a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Version{}, &PrecacheEntry{}, &RetiredPartition{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetVersionState upserts the version row with its lifecycle state.
func (r *Registry) SetVersionState(version, state string, now time.Time) error {
	v := Version{Version: version, State: state, InstalledAt: now}
	cols := []string{"state", "updated_at"}
	if state == "activated" {
		v.ActivatedAt = &now
		cols = append(cols, "activated_at")
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&v).Error
}

func (r *Registry) VersionInfo(version string) (Version, error) {
	var v Version
	err := r.db.First(&v, "version = ?", version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, ErrNotFound
	}
	return v, err
}

func (r *Registry) Versions() ([]Version, error) {
	var out []Version
	err := r.db.Order("installed_at").Find(&out).Error
	return out, err
}

// Revision returns the recorded precache revision of url for version.
func (r *Registry) Revision(version, url string) (string, error) {
	var e PrecacheEntry
	err := r.db.Where("version = ? AND url = ?", version, url).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return e.Revision, nil
}

func (r *Registry) SetRevision(version, url, revision string) error {
	e := PrecacheEntry{Version: version, URL: url, Revision: revision}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"revision", "updated_at"}),
	}).Create(&e).Error
}

func (r *Registry) PrecacheURLs(version string) ([]PrecacheEntry, error) {
	var out []PrecacheEntry
	err := r.db.Where("version = ?", version).Order("url").Find(&out).Error
	return out, err
}

func (r *Registry) DeleteRevision(version, url string) error {
	return r.db.Where("version = ? AND url = ?", version, url).Delete(&PrecacheEntry{}).Error
}

func (r *Registry) RetirePartition(name, by string, now time.Time) error {
	return r.db.Create(&RetiredPartition{Name: name, RetiredBy: by, RetiredAt: now}).Error
}

func (r *Registry) RetiredPartitions() ([]RetiredPartition, error) {
	var out []RetiredPartition
	err := r.db.Order("id").Find(&out).Error
	return out, err
}
