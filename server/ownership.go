package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Ownership implements the explicit lifecycle cascades of the data model.
// The store has no triggers; owning-entity deletion propagates here, in one
// transaction per operation, so collaborating components always observe a
// consistent subtree.
type Ownership struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewOwnership(db *gorm.DB, log zerolog.Logger) *Ownership {
	return &Ownership{db: db, log: log.With().Str("component", "ownership").Logger()}
}

// DeleteMachine removes a machine and its scans and threats. The manager id
// guards against cross-tenant deletes.
func (s *Ownership) DeleteMachine(ctx context.Context, managerID, machineID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var machine Machine
		if err := tx.First(&machine, "id = ? AND manager_id = ?", machineID, managerID).Error; err != nil {
			return storeErr(err, "machine "+machineID)
		}
		return deleteMachineTree(tx, machineID)
	})
}

// DeletePolicy removes a policy and unassigns its machines. Machines stay;
// they simply drop out of scheduling.
func (s *Ownership) DeletePolicy(ctx context.Context, managerID, policyID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var policy Policy
		if err := tx.First(&policy, "id = ? AND manager_id = ?", policyID, managerID).Error; err != nil {
			return storeErr(err, "policy "+policyID)
		}
		if err := tx.Model(&Machine{}).Where("policy_id = ?", policyID).
			Update("policy_id", nil).Error; err != nil {
			return storeErr(err, "unassign machines")
		}
		if err := tx.Delete(&Policy{}, "id = ?", policyID).Error; err != nil {
			return storeErr(err, "delete policy")
		}
		return nil
	})
}

// DeleteManager removes a manager and everything it transitively owns:
// invitations, policies, machines with their scans and threats, and the
// MANAGER user link.
func (s *Ownership) DeleteManager(ctx context.Context, managerID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var manager Manager
		if err := tx.First(&manager, "id = ?", managerID).Error; err != nil {
			return storeErr(err, "manager "+managerID)
		}

		var machineIDs []string
		if err := tx.Model(&Machine{}).Where("manager_id = ?", managerID).
			Pluck("id", &machineIDs).Error; err != nil {
			return storeErr(err, "list owned machines")
		}
		for _, id := range machineIDs {
			if err := deleteMachineTree(tx, id); err != nil {
				return err
			}
		}

		if err := tx.Delete(&Invitation{}, "manager_id = ?", managerID).Error; err != nil {
			return storeErr(err, "delete invitations")
		}
		if err := tx.Delete(&Policy{}, "manager_id = ?", managerID).Error; err != nil {
			return storeErr(err, "delete policies")
		}
		if err := tx.Delete(&Manager{}, "id = ?", managerID).Error; err != nil {
			return storeErr(err, "delete manager")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("manager_id", managerID).Msg("manager subtree deleted")
	return nil
}

// DeleteUser removes a user. A MANAGER user takes its owned subtree with
// it; an AGENT user is merely unlinked from machines (weak reference).
func (s *Ownership) DeleteUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			return storeErr(err, "user "+userID)
		}

		var manager Manager
		err := tx.First(&manager, "user_id = ?", userID).Error
		switch {
		case err == nil:
			owner := NewOwnership(tx, s.log)
			if err := owner.DeleteManager(ctx, manager.ID); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return storeErr(err, "lookup owned manager")
		}

		if err := tx.Model(&Machine{}).Where("user_id = ?", userID).
			Update("user_id", nil).Error; err != nil {
			return storeErr(err, "unlink agent machines")
		}
		if err := tx.Delete(&User{}, "id = ?", userID).Error; err != nil {
			return storeErr(err, "delete user")
		}
		return nil
	})
}

func deleteMachineTree(tx *gorm.DB, machineID string) error {
	if err := tx.Delete(&Scan{}, "machine_id = ?", machineID).Error; err != nil {
		return storeErr(err, "delete scans")
	}
	if err := tx.Delete(&Threat{}, "machine_id = ?", machineID).Error; err != nil {
		return storeErr(err, "delete threats")
	}
	if err := tx.Delete(&DetectionBacklog{}, "machine_id = ?", machineID).Error; err != nil {
		return storeErr(err, "delete detection backlog")
	}
	if err := tx.Delete(&Machine{}, "id = ?", machineID).Error; err != nil {
		return storeErr(err, "delete machine")
	}
	return nil
}

// CreatePolicy validates and stores a scan policy.
func (s *Ownership) CreatePolicy(ctx context.Context, managerID, name string, intervalMinutes int) (*Policy, error) {
	if intervalMinutes < 1 {
		return nil, fmt.Errorf("scan interval must be >= 1 minute: %w", ErrInvalidInput)
	}
	var manager Manager
	if err := s.db.WithContext(ctx).First(&manager, "id = ?", managerID).Error; err != nil {
		return nil, storeErr(err, "manager "+managerID)
	}
	policy := Policy{
		ID:                  newID(),
		ManagerID:           managerID,
		Name:                name,
		ScanIntervalMinutes: intervalMinutes,
	}
	if err := s.db.WithContext(ctx).Create(&policy).Error; err != nil {
		return nil, storeErr(err, "create policy")
	}
	return &policy, nil
}

// UpdatePolicyInterval edits a policy's cadence. Takes effect immediately
// for all machines under it since scheduling derives from observed state.
func (s *Ownership) UpdatePolicyInterval(ctx context.Context, managerID, policyID string, intervalMinutes int) error {
	if intervalMinutes < 1 {
		return fmt.Errorf("scan interval must be >= 1 minute: %w", ErrInvalidInput)
	}
	res := s.db.WithContext(ctx).Model(&Policy{}).
		Where("id = ? AND manager_id = ?", policyID, managerID).
		Update("scan_interval_minutes", intervalMinutes)
	if res.Error != nil {
		return storeErr(res.Error, "update policy")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	return nil
}

// AssignPolicy points a machine at a policy (or clears it with an empty
// policy id), opting it in or out of scheduling.
func (s *Ownership) AssignPolicy(ctx context.Context, managerID, machineID, policyID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var machine Machine
		if err := tx.First(&machine, "id = ? AND manager_id = ?", machineID, managerID).Error; err != nil {
			return storeErr(err, "machine "+machineID)
		}
		if policyID == "" {
			return storeErr(tx.Model(&machine).Update("policy_id", nil).Error, "clear policy")
		}
		var policy Policy
		if err := tx.First(&policy, "id = ? AND manager_id = ?", policyID, managerID).Error; err != nil {
			return storeErr(err, "policy "+policyID)
		}
		return storeErr(tx.Model(&machine).Update("policy_id", policy.ID).Error, "assign policy")
	})
}
