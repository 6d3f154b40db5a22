package main

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/fleetmon/fleetmon/pkg/schedule"
)

// Scheduler computes scan due-ness from observed state: the machine's
// latest scan (or its creation time) and the policy interval. Nothing is
// persisted, so interval edits apply immediately and the scheduler can
// never drift from the data it schedules over.
type Scheduler struct {
	db *gorm.DB
}

func NewScheduler(db *gorm.DB) *Scheduler {
	return &Scheduler{db: db}
}

// ScheduleInfo is the agent- and operator-facing view of one machine's
// scan cadence.
type ScheduleInfo struct {
	MachineID       string     `json:"machine_id"`
	Monitored       bool       `json:"monitored"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	LastScanAt      time.Time  `json:"last_scan_at"`
	NextDueAt       *time.Time `json:"next_due_at,omitempty"`
	Due             bool       `json:"due"`
}

// MachineSchedule reports whether the machine is due at instant now.
// Machines without a policy are unmonitored and never due.
func (s *Scheduler) MachineSchedule(ctx context.Context, machineID string, now time.Time) (*ScheduleInfo, error) {
	var machine Machine
	if err := s.db.WithContext(ctx).First(&machine, "id = ?", machineID).Error; err != nil {
		return nil, storeErr(err, "machine "+machineID)
	}

	lastScan, err := s.lastScanTime(ctx, &machine)
	if err != nil {
		return nil, err
	}

	info := &ScheduleInfo{MachineID: machine.ID, LastScanAt: lastScan}
	if machine.PolicyID == nil {
		return info, nil
	}

	var policy Policy
	if err := s.db.WithContext(ctx).First(&policy, "id = ?", *machine.PolicyID).Error; err != nil {
		return nil, storeErr(err, "policy for machine "+machineID)
	}

	interval := schedule.Interval(policy.ScanIntervalMinutes)
	next := schedule.NextDueAt(lastScan, interval)
	info.Monitored = true
	info.IntervalMinutes = policy.ScanIntervalMinutes
	info.NextDueAt = &next
	info.Due = schedule.IsDue(lastScan, interval, now)
	return info, nil
}

func (s *Scheduler) lastScanTime(ctx context.Context, machine *Machine) (time.Time, error) {
	var last Scan
	err := s.db.WithContext(ctx).
		Where("machine_id = ?", machine.ID).
		Order("scan_timestamp desc").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return time.Time{}, storeErr(err, "latest scan")
	}
	if last.ID == "" {
		return machine.CreatedAt, nil
	}
	return last.ScanTimestamp, nil
}

// dueRow is the join shape for DueMachines. Only plain column references
// appear in the select: sqlite reports no declared type for computed
// columns, so expressions like COALESCE or MAX cannot scan into time.Time.
// The latest scan is resolved per machine via lastScanTime instead.
type dueRow struct {
	MachineID       string
	ManagerID       string
	CreatedAt       time.Time
	IntervalMinutes int
}

// DueMachine identifies one machine whose scan interval has elapsed.
type DueMachine struct {
	MachineID string    `json:"machine_id"`
	ManagerID string    `json:"manager_id"`
	NextDueAt time.Time `json:"next_due_at"`
}

// DueMachines lists every policied machine due at instant now. Machines
// with no policy never appear.
func (s *Scheduler) DueMachines(ctx context.Context, now time.Time) ([]DueMachine, error) {
	var rows []dueRow
	err := s.db.WithContext(ctx).Model(&Machine{}).
		Select("machines.id AS machine_id, machines.manager_id, machines.created_at, policies.scan_interval_minutes AS interval_minutes").
		Joins("JOIN policies ON policies.id = machines.policy_id").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr(err, "due machines")
	}

	var due []DueMachine
	for _, row := range rows {
		lastScan, err := s.lastScanTime(ctx, &Machine{ID: row.MachineID, CreatedAt: row.CreatedAt})
		if err != nil {
			return nil, err
		}
		interval := schedule.Interval(row.IntervalMinutes)
		if schedule.IsDue(lastScan, interval, now) {
			due = append(due, DueMachine{
				MachineID: row.MachineID,
				ManagerID: row.ManagerID,
				NextDueAt: schedule.NextDueAt(lastScan, interval),
			})
		}
	}
	return due, nil
}
