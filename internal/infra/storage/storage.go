package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/identity"
	"trust_bazaar/internal/infra/dbtx"
)

// Meta holds small key/value flags such as one-time bootstrap markers.
type Meta struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Storage persists settlement records, the event journal and attestations.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the database for driver ("sqlite" or "postgres") and migrates it.
func NewStorage(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		// Ensure directory exists
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		// Connect to SQLite (Pure Go)
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// one writer at a time keeps SQLite from returning SQLITE_BUSY under concurrent listings
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return newWithDB(db)
}

func newWithDB(db *gorm.DB) (*Storage, error) {
	// Auto Migration
	if err := db.AutoMigrate(
		&domain.Listing{},
		&domain.Bid{},
		&domain.EscrowRecord{},
		&event.Event{},
		&identity.Attestation{},
		&Meta{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// DB exposes the connection for components that own their own tables (the SQL ledger).
func (s *Storage) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ======================================================================================
// Settlement Records
// ======================================================================================

// Atomic runs fn in one database transaction. Storage writes and a SQL ledger
// opened on DB() join it when called with the context fn receives.
func (s *Storage) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return dbtx.Atomic(ctx, s.db, fn)
}

// SaveChange upserts every record touched by one engine operation in one transaction.
func (s *Storage) SaveChange(ctx context.Context, c domain.Change) error {
	return dbtx.Run(ctx, s.db, func(tx *gorm.DB) error {
		if c.Listing != nil {
			if err := tx.Save(c.Listing).Error; err != nil {
				return fmt.Errorf("storage: save listing %s: %w", c.Listing.ID, err)
			}
		}
		for i := range c.Bids {
			if err := tx.Save(&c.Bids[i]).Error; err != nil {
				return fmt.Errorf("storage: save bid %s: %w", c.Bids[i].ID, err)
			}
		}
		if c.Escrow != nil {
			if err := tx.Save(c.Escrow).Error; err != nil {
				return fmt.Errorf("storage: save escrow %s: %w", c.Escrow.ID, err)
			}
		}
		return nil
	})
}

// LoadSnapshot returns every persisted listing, bid and escrow record.
func (s *Storage) LoadSnapshot(ctx context.Context) ([]domain.Listing, []domain.Bid, []domain.EscrowRecord, error) {
	db := s.db.WithContext(ctx)

	var listings []domain.Listing
	if err := db.Order("created_at asc").Find(&listings).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("storage: load listings: %w", err)
	}
	var bids []domain.Bid
	if err := db.Order("seq asc").Find(&bids).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("storage: load bids: %w", err)
	}
	var escrows []domain.EscrowRecord
	if err := db.Order("created_at asc").Find(&escrows).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("storage: load escrows: %w", err)
	}
	return listings, bids, escrows, nil
}

// ======================================================================================
// Event Journal
// ======================================================================================

// SaveEvents appends events to the journal.
func (s *Storage) SaveEvents(ctx context.Context, evs []event.Event) error {
	if len(evs) == 0 {
		return nil
	}
	return dbtx.Conn(ctx, s.db).Create(&evs).Error
}

// LastEventSeq returns the highest journaled sequence, or 0 for an empty journal.
func (s *Storage) LastEventSeq(ctx context.Context) (uint64, error) {
	var last []event.Event
	if err := s.db.WithContext(ctx).Order("seq desc").Limit(1).Find(&last).Error; err != nil {
		return 0, err
	}
	if len(last) == 0 {
		return 0, nil
	}
	return last[0].Seq, nil
}

// ListingEvents returns a listing's events after afterSeq, oldest first. limit <= 0 means no limit.
func (s *Storage) ListingEvents(ctx context.Context, listingID string, afterSeq uint64, limit int) ([]event.Event, error) {
	q := s.db.WithContext(ctx).
		Where("listing_id = ? AND seq > ?", listingID, afterSeq).
		Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var evs []event.Event
	if err := q.Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("storage: listing events %s: %w", listingID, err)
	}
	return evs, nil
}

// ======================================================================================
// Identity Attestations
// ======================================================================================

// SaveAttestation records a verified-human attestation.
func (s *Storage) SaveAttestation(ctx context.Context, a identity.Attestation) error {
	return s.db.WithContext(ctx).Save(&a).Error
}

// LoadAttestations returns all attestations.
func (s *Storage) LoadAttestations(ctx context.Context) ([]identity.Attestation, error) {
	var out []identity.Attestation
	err := s.db.WithContext(ctx).Find(&out).Error
	return out, err
}

// ======================================================================================
// Meta Operations
// ======================================================================================

// SetMeta saves a key/value flag
func (s *Storage) SetMeta(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Save(&Meta{Key: key, Value: value}).Error
}

// GetMeta returns a flag value, or "" when unset
func (s *Storage) GetMeta(ctx context.Context, key string) (string, error) {
	var m Meta
	err := s.db.WithContext(ctx).First(&m, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil // Not found is not an error
	}
	return m.Value, err
}
