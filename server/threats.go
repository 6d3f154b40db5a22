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

// Threats evaluates detection rules against ingested scans and drives the
// threat status state machine.
type Threats struct {
	db    *gorm.DB
	rules *detect.RuleSet
	log   zerolog.Logger
}

func NewThreats(db *gorm.DB, rules *detect.RuleSet, log zerolog.Logger) *Threats {
	return &Threats{db: db, rules: rules, log: log.With().Str("component", "threats").Logger()}
}

// Detect runs the rule set against one scan plus the machine's current
// inventory and reconciles the candidates into threat rows.
func (s *Threats) Detect(ctx context.Context, machine *Machine, scan *Scan) error {
	var inv detect.Inventory
	if machine.Inventory != "" {
		if err := json.Unmarshal([]byte(machine.Inventory), &inv); err != nil {
			return fmt.Errorf("machine %s inventory malformed: %v: %w", machine.ID, err, ErrInvalidInput)
		}
	}
	var perf detect.Performance
	if err := json.Unmarshal([]byte(scan.Performance), &perf); err != nil {
		return fmt.Errorf("scan %s performance malformed: %v: %w", scan.ID, err, ErrInvalidInput)
	}

	candidates := detect.Evaluate(&inv, &perf, s.rules)
	return s.Reconcile(ctx, machine.ID, scan.ScanTimestamp, candidates)
}

// Reconcile deduplicates candidates against open threats. An existing NEW or
// IN_REVIEW threat with the same fingerprint absorbs the re-detection (only
// refreshing detected_at for recency ranking); otherwise a new NEW threat is
// created. RESOLVED threats never absorb: their chapter is closed, so the
// same fingerprint after resolution yields a fresh row.
//
// The check-then-create race between concurrent scans is settled by the
// unique index on (machine_id, open_fingerprint), not by locking.
func (s *Threats) Reconcile(ctx context.Context, machineID string, detectedAt time.Time, candidates []detect.Candidate) error {
	for _, c := range candidates {
		if err := s.reconcileOne(ctx, machineID, detectedAt, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Threats) reconcileOne(ctx context.Context, machineID string, detectedAt time.Time, c detect.Candidate) error {
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	fp := c.Fingerprint
	threat := Threat{
		ID:              newID(),
		MachineID:       machineID,
		ThreatType:      c.RuleID,
		Level:           c.Level,
		Description:     c.Description,
		Evidence:        string(evidence),
		Fingerprint:     fp,
		OpenFingerprint: &fp,
		Status:          ThreatNew,
		DetectedAt:      detectedAt,
	}

	err = s.db.WithContext(ctx).Create(&threat).Error
	switch {
	case err == nil:
		s.log.Info().Str("threat_id", threat.ID).Str("machine_id", machineID).
			Str("type", c.RuleID).Str("level", c.Level).Msg("threat detected")
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// Already open: refresh recency, never duplicate.
		res := s.db.WithContext(ctx).Model(&Threat{}).
			Where("machine_id = ? AND open_fingerprint = ? AND detected_at < ?", machineID, fp, detectedAt).
			Update("detected_at", detectedAt)
		return storeErr(res.Error, "refresh open threat")
	default:
		return storeErr(err, "create threat")
	}
}

// OpenReview transitions a threat NEW -> IN_REVIEW via a conditional update.
func (s *Threats) OpenReview(ctx context.Context, managerID, threatID string) error {
	return s.transition(ctx, managerID, threatID, ThreatNew, ThreatInReview, nil)
}

// Resolve transitions a threat IN_REVIEW -> RESOLVED, clearing its open
// fingerprint so a later re-detection opens a new investigation.
func (s *Threats) Resolve(ctx context.Context, managerID, threatID string) error {
	now := time.Now().UTC()
	return s.transition(ctx, managerID, threatID, ThreatInReview, ThreatResolved, map[string]any{
		"resolved_at":      now,
		"open_fingerprint": nil,
	})
}

func (s *Threats) transition(ctx context.Context, managerID, threatID string, from, to ThreatStatus, extra map[string]any) error {
	var threat Threat
	err := s.db.WithContext(ctx).
		Joins("JOIN machines ON machines.id = threats.machine_id").
		Where("threats.id = ? AND machines.manager_id = ?", threatID, managerID).
		First(&threat).Error
	if err != nil {
		return storeErr(err, "threat "+threatID)
	}
	if threat.Status != from {
		// Backward or non-adjacent request; the status wall is enforced
		// here, not just by the conditional update below.
		return fmt.Errorf("threat %s is %s, cannot move to %s: %w", threatID, threat.Status, to, ErrInvalidInput)
	}

	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Threat{}).
		Where("id = ? AND status = ?", threatID, from).
		Updates(updates)
	if res.Error != nil {
		return storeErr(res.Error, "transition threat")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("threat %s moved concurrently: %w", threatID, ErrConflict)
	}
	s.log.Info().Str("threat_id", threatID).Str("from", string(from)).Str("to", string(to)).Msg("threat transition")
	return nil
}

// ThreatFilter narrows List results.
type ThreatFilter struct {
	MachineID string
	Type      string
	Level     string
	Status    ThreatStatus
	Since     time.Time
	Limit     int
	Offset    int
}

// List returns a manager's threats, newest detections first.
func (s *Threats) List(ctx context.Context, managerID string, f ThreatFilter) ([]Threat, error) {
	q := s.db.WithContext(ctx).Model(&Threat{}).
		Joins("JOIN machines ON machines.id = threats.machine_id").
		Where("machines.manager_id = ?", managerID)
	if f.MachineID != "" {
		q = q.Where("threats.machine_id = ?", f.MachineID)
	}
	if f.Type != "" {
		q = q.Where("threats.threat_type = ?", f.Type)
	}
	if f.Level != "" {
		q = q.Where("threats.level = ?", f.Level)
	}
	if f.Status != "" {
		q = q.Where("threats.status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("threats.detected_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var threats []Threat
	if err := q.Order("threats.detected_at desc").Find(&threats).Error; err != nil {
		return nil, storeErr(err, "list threats")
	}
	return threats, nil
}

// ThreatStats summarizes a manager's threats since a cutoff.
type ThreatStats struct {
	Total    int64            `json:"total"`
	Resolved int64            `json:"resolved"`
	Open     int64            `json:"open"`
	ByLevel  map[string]int64 `json:"by_level"`
	ByType   map[string]int64 `json:"by_type"`
}

// Stats aggregates threat counts for the manager's fleet.
func (s *Threats) Stats(ctx context.Context, managerID string, since time.Time) (*ThreatStats, error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&Threat{}).
			Joins("JOIN machines ON machines.id = threats.machine_id").
			Where("machines.manager_id = ? AND threats.detected_at >= ?", managerID, since)
	}

	stats := &ThreatStats{ByLevel: map[string]int64{}, ByType: map[string]int64{}}
	if err := base().Count(&stats.Total).Error; err != nil {
		return nil, storeErr(err, "threat stats")
	}
	if err := base().Where("threats.status = ?", ThreatResolved).Count(&stats.Resolved).Error; err != nil {
		return nil, storeErr(err, "threat stats")
	}
	stats.Open = stats.Total - stats.Resolved

	type bucket struct {
		Key   string
		Count int64
	}
	var levels []bucket
	if err := base().Select("threats.level AS key, COUNT(*) AS count").
		Group("threats.level").Scan(&levels).Error; err != nil {
		return nil, storeErr(err, "threat stats")
	}
	for _, b := range levels {
		stats.ByLevel[b.Key] = b.Count
	}
	var types []bucket
	if err := base().Select("threats.threat_type AS key, COUNT(*) AS count").
		Group("threats.threat_type").Scan(&types).Error; err != nil {
		return nil, storeErr(err, "threat stats")
	}
	for _, b := range types {
		stats.ByType[b.Key] = b.Count
	}
	return stats, nil
}
