package main

import (
	"time"

	"github.com/rs/xid"
)

// Role classifies a user account. Only MANAGER users own monitoring
// resources; AGENT users are the machine-side identities created on
// enrollment.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleAgent   Role = "AGENT"
	RoleUser    Role = "USER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleAgent, RoleUser:
		return true
	}
	return false
}

// InvitationStatus tracks an enrollment token through its lifecycle.
// ACCEPTED and EXPIRED are terminal.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationExpired  InvitationStatus = "EXPIRED"
)

func (s InvitationStatus) Terminal() bool {
	return s == InvitationAccepted || s == InvitationExpired
}

// ThreatStatus moves strictly forward: NEW -> IN_REVIEW -> RESOLVED.
type ThreatStatus string

const (
	ThreatNew      ThreatStatus = "NEW"
	ThreatInReview ThreatStatus = "IN_REVIEW"
	ThreatResolved ThreatStatus = "RESOLVED"
)

// CanTransitionTo reports whether next is the legal forward-adjacent state.
func (s ThreatStatus) CanTransitionTo(next ThreatStatus) bool {
	switch s {
	case ThreatNew:
		return next == ThreatInReview
	case ThreatInReview:
		return next == ThreatResolved
	}
	return false
}

// Open reports whether the threat still occupies its dedup slot.
func (s ThreatStatus) Open() bool {
	return s == ThreatNew || s == ThreatInReview
}

// User owns credentials and, for MANAGER roles, a Manager profile.
type User struct {
	ID           string `gorm:"primaryKey;size:20"`
	Email        string `gorm:"uniqueIndex;size:255"`
	PasswordHash string `gorm:"size:255"`
	Role         Role   `gorm:"size:16"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Manager is the client profile that owns policies, machines, and
// invitations. Exactly one per MANAGER user.
type Manager struct {
	ID          string `gorm:"primaryKey;size:20"`
	UserID      string `gorm:"uniqueIndex;size:20"`
	CompanyName string `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Invitation is a single-use, time-bounded enrollment right for one email
// address. The raw token is returned once at issue time; only its HMAC hash
// is stored.
type Invitation struct {
	ID         string           `gorm:"primaryKey;size:20"`
	ManagerID  string           `gorm:"index;size:20"`
	Email      string           `gorm:"size:255"`
	TokenHash  string           `gorm:"uniqueIndex;size:64"`
	Status     InvitationStatus `gorm:"size:16;index"`
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// Policy defines the scan cadence for machines assigned to it. Machines
// reference it weakly: deleting a policy unassigns them, it does not delete
// them.
type Policy struct {
	ID                  string `gorm:"primaryKey;size:20"`
	ManagerID           string `gorm:"index;size:20"`
	Name                string `gorm:"size:255"`
	ScanIntervalMinutes int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Machine is an enrolled endpoint. PolicyID and UserID are weak references,
// nulled when their targets go away. Inventory holds the latest static
// snapshot as JSON.
type Machine struct {
	ID           string  `gorm:"primaryKey;size:20"`
	ManagerID    string  `gorm:"index;size:20"`
	PolicyID     *string `gorm:"index;size:20"`
	UserID       *string `gorm:"index;size:20"`
	HardwareID   string  `gorm:"uniqueIndex;size:255"`
	Hostname     string  `gorm:"size:255"`
	FriendlyName string  `gorm:"size:255"`
	Inventory    string  `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Scan is one immutable performance report. ScanTimestamp is the
// agent-reported event time; CreatedAt is ingestion time. The composite
// unique index makes duplicate submissions idempotent.
type Scan struct {
	ID            string    `gorm:"primaryKey;size:20"`
	MachineID     string    `gorm:"uniqueIndex:idx_scan_machine_ts;size:20"`
	ScanTimestamp time.Time `gorm:"uniqueIndex:idx_scan_machine_ts"`
	Performance   string    `gorm:"type:text"`
	CreatedAt     time.Time
}

// Threat is one detected finding. OpenFingerprint carries the dedup key
// while the threat is NEW or IN_REVIEW and is cleared on RESOLVED; the
// unique index over (machine_id, open_fingerprint) then allows at most one
// open threat per fingerprint while resolved ones never block re-detection
// (SQL NULLs do not collide).
type Threat struct {
	ID              string       `gorm:"primaryKey;size:20"`
	MachineID       string       `gorm:"index;uniqueIndex:idx_threat_open_fp;size:20"`
	ThreatType      string       `gorm:"size:100;index"`
	Level           string       `gorm:"size:16"`
	Description     string       `gorm:"type:text"`
	Evidence        string       `gorm:"type:text"`
	Fingerprint     string       `gorm:"size:128"`
	OpenFingerprint *string      `gorm:"uniqueIndex:idx_threat_open_fp;size:128"`
	Status          ThreatStatus `gorm:"size:16;index"`
	DetectedAt      time.Time    `gorm:"index"`
	ResolvedAt      *time.Time
	UpdatedAt       time.Time
}

// DetectionBacklog queues scans whose detection pass failed after the scan
// itself committed. A background worker drains it with backoff.
type DetectionBacklog struct {
	ID        string `gorm:"primaryKey;size:20"`
	ScanID    string `gorm:"uniqueIndex;size:20"`
	MachineID string `gorm:"size:20"`
	Attempts  int
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newID() string {
	return xid.New().String()
}

func allModels() []any {
	return []any{
		&User{}, &Manager{}, &Invitation{}, &Policy{},
		&Machine{}, &Scan{}, &Threat{}, &DetectionBacklog{},
	}
}
