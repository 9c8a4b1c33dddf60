// Package reservation persists which public key first claimed each requested
// subdomain, so a name sticks to its owner across reconnects.
package reservation

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/burrowhq/burrow/pkg/logger"
)

// Reservation records the binding between a requested subdomain and the
// public key that first claimed it.
type Reservation struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Subdomain  string    `gorm:"uniqueIndex;not null"`
	PublicKey  string    `gorm:"not null;index"`
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// BeforeCreate hook to set UUID if not provided
func (r *Reservation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name
func (Reservation) TableName() string {
	return "reservations"
}

// Store is the subdomain reservation database.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite reservation database at path and migrates the
// schema. ":memory:" gives an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_time_format=sqlite"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Reservation{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Allow reports whether publicKey may use subdomain. The first key to request
// a name reserves it; afterwards only that key is allowed. Database failures
// fail open so a broken reservation store cannot take tunnels down.
func (s *Store) Allow(publicKey, subdomain string) bool {
	var res Reservation
	err := s.db.Where("subdomain = ?", subdomain).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		res = Reservation{
			Subdomain:  subdomain,
			PublicKey:  publicKey,
			LastSeenAt: time.Now(),
		}
		if err := s.db.Create(&res).Error; err != nil {
			logger.WarnEvent().
				Err(err).
				Str("subdomain", subdomain).
				Msg("Failed to record subdomain reservation")
		}
		return true
	}
	if err != nil {
		logger.WarnEvent().
			Err(err).
			Str("subdomain", subdomain).
			Msg("Reservation lookup failed, allowing")
		return true
	}

	if res.PublicKey != publicKey {
		return false
	}

	s.db.Model(&res).Update("last_seen_at", time.Now())
	return true
}

// Forget drops a reservation so the subdomain may be claimed by a new key.
func (s *Store) Forget(subdomain string) error {
	return s.db.Where("subdomain = ?", subdomain).Delete(&Reservation{}).Error
}

// Count returns the number of recorded reservations.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.Model(&Reservation{}).Count(&n).Error
	return n, err
}
