package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/fleetmon/fleetmon/pkg/detect"
)

// Ingestor accepts scan submissions from agents. Duplicate submissions for
// the same (machine, scan timestamp) are idempotent: agents retry after
// timeouts without knowing whether the first attempt landed, and the
// uniqueness constraint serializes those races across stateless workers.
type Ingestor struct {
	db        *gorm.DB
	threats   *Threats
	retry     *retrier
	clockSkew time.Duration
	log       zerolog.Logger
}

func NewIngestor(db *gorm.DB, threats *Threats, retry *retrier, clockSkew time.Duration, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		db:        db,
		threats:   threats,
		retry:     retry,
		clockSkew: clockSkew,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest validates and persists one scan report, then runs detection over
// it. The scan write is all-or-nothing and durable before detection starts;
// a detection failure lands the scan in the backlog instead of failing the
// call, since agents cannot do anything useful with a detection error.
func (s *Ingestor) Ingest(ctx context.Context, machineID string, scanTimestamp time.Time, perf *detect.Performance) (string, error) {
	// Machine existence is checked before anything about the payload, so
	// an unknown machine always reads as not-found regardless of how
	// broken its submission is.
	var machine Machine
	if err := s.db.WithContext(ctx).First(&machine, "id = ?", machineID).Error; err != nil {
		return "", storeErr(err, "machine "+machineID)
	}

	now := time.Now().UTC()
	if scanTimestamp.After(now.Add(s.clockSkew)) {
		return "", fmt.Errorf("scan timestamp %s beyond clock skew tolerance: %w",
			scanTimestamp.Format(time.RFC3339), ErrInvalidInput)
	}
	if err := perf.Validate(); err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}

	payload, err := json.Marshal(perf)
	if err != nil {
		return "", fmt.Errorf("marshal performance: %w", err)
	}

	scan := Scan{
		ID:            newID(),
		MachineID:     machine.ID,
		ScanTimestamp: scanTimestamp.UTC(),
		Performance:   string(payload),
	}
	err = s.db.WithContext(ctx).Create(&scan).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Retried submission: hand back the id of the row that won.
		var existing Scan
		if err := s.db.WithContext(ctx).
			First(&existing, "machine_id = ? AND scan_timestamp = ?", machine.ID, scan.ScanTimestamp).Error; err != nil {
			return "", storeErr(err, "lookup duplicate scan")
		}
		s.log.Debug().Str("scan_id", existing.ID).Str("machine_id", machine.ID).Msg("duplicate scan submission absorbed")
		return existing.ID, nil
	}
	if err != nil {
		return "", storeErr(err, "create scan")
	}

	if err := s.runDetection(ctx, &machine, &scan); err != nil {
		// The scan is committed; detection completeness is recovered via
		// the backlog, never by failing ingestion.
		s.enqueueBacklog(ctx, &scan, err)
	}
	return scan.ID, nil
}

func (s *Ingestor) runDetection(ctx context.Context, machine *Machine, scan *Scan) error {
	return s.retry.do(ctx, "detect", func() error {
		return s.threats.Detect(ctx, machine, scan)
	})
}

func (s *Ingestor) enqueueBacklog(ctx context.Context, scan *Scan, cause error) {
	entry := DetectionBacklog{
		ID:        newID(),
		ScanID:    scan.ID,
		MachineID: scan.MachineID,
		LastError: cause.Error(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		s.log.Error().Err(err).Str("scan_id", scan.ID).Msg("failed to enqueue detection backlog")
		return
	}
	s.log.Warn().Err(cause).Str("scan_id", scan.ID).Msg("detection deferred to backlog")
}

// DrainBacklog retries detection for queued scans, dropping entries once
// they exceed maxAttempts. Run periodically from the server loop.
func (s *Ingestor) DrainBacklog(ctx context.Context, maxAttempts int) {
	var entries []DetectionBacklog
	if err := s.db.WithContext(ctx).Order("created_at").Limit(100).Find(&entries).Error; err != nil {
		s.log.Error().Err(err).Msg("reading detection backlog")
		return
	}

	for _, entry := range entries {
		if err := s.retryBacklogEntry(ctx, entry); err != nil {
			attempts := entry.Attempts + 1
			if attempts >= maxAttempts {
				s.log.Error().Err(err).Str("scan_id", entry.ScanID).Int("attempts", attempts).
					Msg("detection abandoned after max attempts")
				s.db.WithContext(ctx).Delete(&DetectionBacklog{}, "id = ?", entry.ID)
				continue
			}
			s.db.WithContext(ctx).Model(&DetectionBacklog{}).Where("id = ?", entry.ID).
				Updates(map[string]any{"attempts": attempts, "last_error": err.Error()})
			continue
		}
		s.db.WithContext(ctx).Delete(&DetectionBacklog{}, "id = ?", entry.ID)
	}
}

func (s *Ingestor) retryBacklogEntry(ctx context.Context, entry DetectionBacklog) error {
	var machine Machine
	if err := s.db.WithContext(ctx).First(&machine, "id = ?", entry.MachineID).Error; err != nil {
		return storeErr(err, "backlog machine")
	}
	var scan Scan
	if err := s.db.WithContext(ctx).First(&scan, "id = ?", entry.ScanID).Error; err != nil {
		return storeErr(err, "backlog scan")
	}
	return s.threats.Detect(ctx, &machine, &scan)
}

// UpdateInventory stores a machine's refreshed inventory snapshot after
// validating its shape.
func (s *Ingestor) UpdateInventory(ctx context.Context, machineID string, inventory *detect.Inventory) error {
	if inventory == nil {
		return fmt.Errorf("inventory payload missing: %w", ErrInvalidInput)
	}
	payload, err := json.Marshal(inventory)
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&Machine{}).
		Where("id = ?", machineID).
		Update("inventory", string(payload))
	if res.Error != nil {
		return storeErr(res.Error, "update inventory")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("machine %s: %w", machineID, ErrNotFound)
	}
	return nil
}
