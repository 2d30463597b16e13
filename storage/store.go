// Package storage is the Store component of §4.1: a serial,
// single-writer persistent layer backed by an embedded database in
// write-ahead mode. It is the single source of truth for idempotency —
// the correspondence map lives here and nowhere else.
//
// Grounded on the teacher's internal/database/database.go (gorm models,
// AutoMigrate-on-New) and storage/database.go (the Database wrapper
// shape, enable/disable-on-missing-DSN), merged into one gorm-backed
// implementation per SPEC_FULL §4.1.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by the single-row getters when no row matches.
// An alias for gorm's sentinel so callers never need to import gorm
// themselves just to check for a missing row.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrConflict is returned by PutOrder when an immutable field would change.
var ErrConflict = errors.New("storage: immutable field conflict")

// ErrMappingRegression is returned by PutMapping when a write would clear
// a follower_id, change the follower_id of a placed mapping, or move a
// placed/cancelled mapping back to pending.
var ErrMappingRegression = errors.New("storage: mapping regression rejected")

// Driver selects the backing SQL engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Store is the single-writer persistence layer. Readers may run
// concurrently through gorm's pool; every write path takes mu first so
// two decisions can never interleave partial state.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open connects to the configured backend and migrates the schema.
// path is a filesystem path for sqlite or a DSN for postgres.
func Open(driver Driver, path string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(path)
	case DriverSQLite, "":
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&cache=shared", path)
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	log.Info().Str("driver", string(driver)).Str("path", path).Msg("store opened")
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════

var immutableFields = map[string]bool{"role": true, "side": true, "security_id": true}

// PutOrder upserts by id; last-writer-wins on mutable fields. Changing
// role, side, or instrument on an existing row is rejected (ErrConflict).
func (s *Store) PutOrder(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Order
	err := s.db.First(&existing, "id = ?", o.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(o).Error
	case err != nil:
		return err
	}

	if existing.Role != o.Role || existing.Side != o.Side || existing.SecurityID != o.SecurityID {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}

	return s.db.Model(&Order{}).Where("id = ?", o.ID).Updates(map[string]any{
		"product":        o.Product,
		"kind":           o.Kind,
		"validity":       o.Validity,
		"requested_qty":  o.RequestedQty,
		"disclosed_qty":  o.DisclosedQty,
		"price":          o.Price,
		"trigger_price":  o.TriggerPrice,
		"status":         o.Status,
		"filled_qty":     o.FilledQty,
		"avg_fill_price": o.AvgFillPrice,
		"stop_loss_value": o.StopLossValue,
		"profit_target":   o.ProfitTarget,
		"leg_kind":        o.LegKind,
		"parent_id":       o.ParentID,
		"slice_group_id":  o.SliceGroupID,
		"updated_at":      time.Now(),
		"completed_at":    o.CompletedAt,
	}).Error
}

// GetOrder returns the order or (nil, gorm.ErrRecordNotFound).
func (s *Store) GetOrder(id string) (*Order, error) {
	var o Order
	if err := s.db.First(&o, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// ═══════════════════════════════════════════════════════════════════════
// CORRESPONDENCE MAP
// ═══════════════════════════════════════════════════════════════════════

// PutMapping upserts keyed by leader id. Rejects any write that would
// clear a non-null follower_id or regress status away from
// placed/cancelled back to pending (I1, I2).
func (s *Store) PutMapping(m *CopyMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing CopyMapping
	err := s.db.First(&existing, "leader_id = ?", m.LeaderID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(m).Error
	case err != nil:
		return err
	}

	if existing.FollowerID != "" && m.FollowerID == "" {
		return fmt.Errorf("%w: leader %s would lose follower_id", ErrMappingRegression, m.LeaderID)
	}
	if existing.Status == "placed" && existing.FollowerID != "" && m.FollowerID != "" && existing.FollowerID != m.FollowerID {
		return fmt.Errorf("%w: leader %s follower_id is immutable once placed", ErrMappingRegression, m.LeaderID)
	}
	if (existing.Status == "placed" || existing.Status == "cancelled") && m.Status == "pending" {
		return fmt.Errorf("%w: leader %s cannot regress from %s to pending", ErrMappingRegression, m.LeaderID, existing.Status)
	}

	return s.db.Model(&CopyMapping{}).Where("leader_id = ?", m.LeaderID).Updates(map[string]any{
		"follower_id":   m.FollowerID,
		"leader_qty":    m.LeaderQty,
		"follower_qty":  m.FollowerQty,
		"sizing_tag":    m.SizingTag,
		"capital_ratio": m.CapitalRatio,
		"status":        m.Status,
		"last_error":    m.LastError,
		"updated_at":    time.Now(),
	}).Error
}

// GetMappingByLeader returns the mapping row for a leader id, or
// (nil, gorm.ErrRecordNotFound) if none exists yet.
func (s *Store) GetMappingByLeader(leaderID string) (*CopyMapping, error) {
	var m CopyMapping
	if err := s.db.First(&m, "leader_id = ?", leaderID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMappingByFollower looks up the mapping owning a given follower id.
func (s *Store) GetMappingByFollower(followerID string) (*CopyMapping, error) {
	var m CopyMapping
	if err := s.db.First(&m, "follower_id = ?", followerID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ═══════════════════════════════════════════════════════════════════════
// EVENT LOG
// ═══════════════════════════════════════════════════════════════════════

// AppendEvent is idempotent on (order_id, sequence): a duplicate
// delivery is a silent no-op, not an error (I4).
func (s *Store) AppendEvent(orderID string, seq int64, kind, payload string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing OrderEvent
	err := s.db.First(&existing, "order_id = ? AND sequence = ?", orderID, seq).Error
	if err == nil {
		return nil // already recorded — dedup per I4
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.db.Create(&OrderEvent{
		OrderID: orderID, Sequence: seq, Kind: kind, Payload: payload, Timestamp: ts,
	}).Error
}

// MaxSequence returns the highest sequence number recorded for an order
// id, or 0 if none exists — used by the coordinator to synthesize a
// sequence when the broker stream doesn't provide one.
func (s *Store) MaxSequence(orderID string) (int64, error) {
	var max int64
	err := s.db.Model(&OrderEvent{}).Where("order_id = ?", orderID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&max).Error
	return max, err
}

// ═══════════════════════════════════════════════════════════════════════
// BRACKET LEG GRAPH
// ═══════════════════════════════════════════════════════════════════════

// PutLeg upserts a leg row for (parent_id, leg_kind).
func (s *Store) PutLeg(parentID string, legKind, legID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing BracketLeg
	err := s.db.First(&existing, "parent_id = ? AND leg_kind = ?", parentID, legKind).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&BracketLeg{ParentID: parentID, LegKind: legKind, LegID: legID, Status: status}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&BracketLeg{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"leg_id": legID, "status": status, "updated_at": time.Now(),
	}).Error
}

// ListLegs returns every leg recorded for a bracket/cover parent.
func (s *Store) ListLegs(parentID string) ([]BracketLeg, error) {
	var legs []BracketLeg
	err := s.db.Where("parent_id = ?", parentID).Find(&legs).Error
	return legs, err
}

// UpdateLegStatus transitions a single leg by its own broker id.
func (s *Store) UpdateLegStatus(legID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&BracketLeg{}).Where("leg_id = ?", legID).Update("status", status).Error
}

// ═══════════════════════════════════════════════════════════════════════
// WATERMARK
// ═══════════════════════════════════════════════════════════════════════

// SetWatermark persists the latest committed decision timestamp.
func (s *Store) SetWatermark(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := ts.UTC().Format(time.RFC3339Nano)
	return s.db.Save(&ConfigEntry{Key: watermarkKey, Value: value}).Error
}

// GetWatermark reads the last committed watermark, or the zero time if
// none has ever been set.
func (s *Store) GetWatermark() (time.Time, error) {
	var entry ConfigEntry
	err := s.db.First(&entry, "key = ?", watermarkKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, entry.Value)
}

// ═══════════════════════════════════════════════════════════════════════
// AUDIT
// ═══════════════════════════════════════════════════════════════════════

// AppendAudit records one Dispatcher invocation.
func (s *Store) AppendAudit(action, role, request, response, status string, duration time.Duration, errStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(&AuditLog{
		Action: action, Role: role, Request: request, Response: response,
		Status: status, DurationMs: duration.Milliseconds(), Error: errStr,
		CreatedAt: time.Now(),
	}).Error
}

// ═══════════════════════════════════════════════════════════════════════
// FUNDS / INSTRUMENT CACHE (read-mostly helpers used by the Sizer)
// ═══════════════════════════════════════════════════════════════════════

// SaveFunds persists the latest funds snapshot for a role.
func (s *Store) SaveFunds(f *Funds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(f).Error
}

// GetFunds returns the last persisted funds snapshot for a role, used to
// seed the Sizer's cache across restarts.
func (s *Store) GetFunds(role string) (*Funds, error) {
	var f Funds
	if err := s.db.First(&f, "role = ?", role).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// GetInstrument returns cached instrument metadata, if any.
func (s *Store) GetInstrument(securityID string) (*Instrument, error) {
	var inst Instrument
	if err := s.db.First(&inst, "security_id = ?", securityID).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

// PutInstrument upserts the instrument cache row.
func (s *Store) PutInstrument(inst *Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.UpdatedAt = time.Now()
	return s.db.Save(inst).Error
}
