package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Invitations manages the enrollment token lifecycle:
// PENDING -> ACCEPTED on redemption, PENDING -> EXPIRED past the deadline.
// Expiry is evaluated lazily at read/redeem time; the optional Sweep only
// keeps listings consistent and is never required for correctness.
type Invitations struct {
	db     *gorm.DB
	hasher TokenHasher
	log    zerolog.Logger
}

func NewInvitations(db *gorm.DB, hasher TokenHasher, log zerolog.Logger) *Invitations {
	return &Invitations{db: db, hasher: hasher, log: log.With().Str("component", "invitations").Logger()}
}

// Issue creates a PENDING invitation for the given email under the manager
// and returns the record plus the raw token. The token is shown exactly
// once; only its hash persists.
func (s *Invitations) Issue(ctx context.Context, managerID, email string, ttl time.Duration) (*Invitation, string, error) {
	if email == "" {
		return nil, "", fmt.Errorf("invitee email required: %w", ErrInvalidInput)
	}
	if ttl <= 0 {
		return nil, "", fmt.Errorf("ttl must be positive: %w", ErrInvalidInput)
	}

	var manager Manager
	if err := s.db.WithContext(ctx).First(&manager, "id = ?", managerID).Error; err != nil {
		return nil, "", storeErr(err, "manager "+managerID)
	}

	token, err := generateToken()
	if err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}

	inv := Invitation{
		ID:        newID(),
		ManagerID: manager.ID,
		Email:     email,
		TokenHash: s.hasher.HashString(token),
		Status:    InvitationPending,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(&inv).Error; err != nil {
		return nil, "", storeErr(err, "create invitation")
	}

	s.log.Info().Str("invitation_id", inv.ID).Str("manager_id", manager.ID).Time("expires_at", inv.ExpiresAt).Msg("invitation issued")
	return &inv, token, nil
}

// Enrollment carries the agent-supplied details accompanying a redemption.
type Enrollment struct {
	Password   string
	Hostname   string
	HardwareID string
	Inventory  string
}

// Redeem performs the atomic check-and-set redemption. Exactly one of two
// concurrent attempts on the same token can win: the status flip is guarded
// by a conditional update on the PENDING state, not a read-then-write.
func (s *Invitations) Redeem(ctx context.Context, token string, enr Enrollment) (*Machine, error) {
	if enr.HardwareID == "" {
		return nil, fmt.Errorf("hardware id required: %w", ErrInvalidInput)
	}

	hash := s.hasher.HashString(token)
	now := time.Now().UTC()

	var machine *Machine
	var lapsedID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv Invitation
		if err := tx.First(&inv, "token_hash = ?", hash).Error; err != nil {
			return storeErr(err, "invitation token")
		}

		switch {
		case inv.Status == InvitationAccepted:
			return fmt.Errorf("invitation already used: %w", ErrConflict)
		case inv.Status == InvitationExpired:
			return fmt.Errorf("invitation: %w", ErrExpired)
		case now.After(inv.ExpiresAt):
			// Returning an error rolls this transaction back, so the lazy
			// EXPIRED flip must happen outside it.
			lapsedID = inv.ID
			return fmt.Errorf("invitation: %w", ErrExpired)
		}

		res := tx.Model(&Invitation{}).
			Where("id = ? AND status = ?", inv.ID, InvitationPending).
			Updates(map[string]any{"status": InvitationAccepted, "accepted_at": now})
		if res.Error != nil {
			return storeErr(res.Error, "accept invitation")
		}
		if res.RowsAffected == 0 {
			// Lost the race against another redeemer.
			return fmt.Errorf("invitation claimed concurrently: %w", ErrConflict)
		}

		agent, err := s.createAgentUser(tx, inv.Email, enr.Password)
		if err != nil {
			return err
		}

		machine, err = s.linkMachine(tx, inv.ManagerID, agent.ID, enr)
		return err
	})
	if lapsedID != "" {
		// Lazy expiry persists even though the redeem failed. The PENDING
		// guard keeps a concurrent redeem from also claiming the row.
		res := s.db.WithContext(ctx).Model(&Invitation{}).
			Where("id = ? AND status = ?", lapsedID, InvitationPending).
			Update("status", InvitationExpired)
		if res.Error != nil {
			s.log.Error().Err(res.Error).Str("invitation_id", lapsedID).Msg("failed to mark invitation expired")
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("machine_id", machine.ID).Str("manager_id", machine.ManagerID).Msg("invitation redeemed")
	return machine, nil
}

func (s *Invitations) createAgentUser(tx *gorm.DB, email, password string) (*User, error) {
	var existing User
	err := tx.First(&existing, "email = ?", email).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeErr(err, "lookup agent user")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	user := User{
		ID:           newID(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         RoleAgent,
	}
	if err := tx.Create(&user).Error; err != nil {
		return nil, storeErr(err, "create agent user")
	}
	return &user, nil
}

func (s *Invitations) linkMachine(tx *gorm.DB, managerID, userID string, enr Enrollment) (*Machine, error) {
	var machine Machine
	err := tx.First(&machine, "hardware_id = ?", enr.HardwareID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		machine = Machine{
			ID:         newID(),
			ManagerID:  managerID,
			UserID:     &userID,
			HardwareID: enr.HardwareID,
			Hostname:   enr.Hostname,
			Inventory:  enr.Inventory,
		}
		if err := tx.Create(&machine).Error; err != nil {
			return nil, storeErr(err, "create machine")
		}
		return &machine, nil
	case err != nil:
		return nil, storeErr(err, "lookup machine")
	case machine.ManagerID != managerID:
		return nil, fmt.Errorf("hardware already enrolled under another manager: %w", ErrConflict)
	}

	updates := map[string]any{"user_id": userID, "hostname": enr.Hostname}
	if enr.Inventory != "" {
		updates["inventory"] = enr.Inventory
	}
	if err := tx.Model(&machine).Updates(updates).Error; err != nil {
		return nil, storeErr(err, "relink machine")
	}
	return &machine, nil
}

// Sweep marks overdue PENDING invitations EXPIRED in bulk so listings read
// consistently without per-row checks. Returns the number flipped.
func (s *Invitations) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Invitation{}).
		Where("status = ? AND expires_at < ?", InvitationPending, now).
		Update("status", InvitationExpired)
	if res.Error != nil {
		return 0, storeErr(res.Error, "sweep invitations")
	}
	if res.RowsAffected > 0 {
		s.log.Info().Int64("expired", res.RowsAffected).Msg("invitation sweep")
	}
	return res.RowsAffected, nil
}

// List returns a manager's invitations, newest first, with expiry evaluated
// lazily so un-swept rows still read EXPIRED.
func (s *Invitations) List(ctx context.Context, managerID string) ([]Invitation, error) {
	var invs []Invitation
	if err := s.db.WithContext(ctx).
		Where("manager_id = ?", managerID).
		Order("created_at desc").
		Find(&invs).Error; err != nil {
		return nil, storeErr(err, "list invitations")
	}
	now := time.Now().UTC()
	for i := range invs {
		if invs[i].Status == InvitationPending && now.After(invs[i].ExpiresAt) {
			invs[i].Status = InvitationExpired
		}
	}
	return invs, nil
}
