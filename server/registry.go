package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Registry resolves ownership chains over the persisted graph. Pure
// lookups, no mutation. A dangling weak link means cascade rules were
// violated somewhere; it is reported as an inconsistency, never repaired.
type Registry struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewRegistry(db *gorm.DB, log zerolog.Logger) *Registry {
	return &Registry{db: db, log: log.With().Str("component", "registry").Logger()}
}

// ResolveOwner returns the manager id owning the given machine.
func (r *Registry) ResolveOwner(ctx context.Context, machineID string) (string, error) {
	machine, err := r.machine(ctx, machineID)
	if err != nil {
		return "", err
	}

	var manager Manager
	if err := r.db.WithContext(ctx).First(&manager, "id = ?", machine.ManagerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", r.inconsistency(machineID, "manager", machine.ManagerID)
		}
		return "", storeErr(err, "resolve owner")
	}
	return manager.ID, nil
}

// ResolvePolicy returns the machine's assigned policy, or nil when the
// machine is unassigned (and therefore never scheduled).
func (r *Registry) ResolvePolicy(ctx context.Context, machineID string) (*Policy, error) {
	machine, err := r.machine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if machine.PolicyID == nil {
		return nil, nil
	}

	var policy Policy
	if err := r.db.WithContext(ctx).First(&policy, "id = ?", *machine.PolicyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, r.inconsistency(machineID, "policy", *machine.PolicyID)
		}
		return nil, storeErr(err, "resolve policy")
	}
	return &policy, nil
}

func (r *Registry) machine(ctx context.Context, machineID string) (*Machine, error) {
	var machine Machine
	if err := r.db.WithContext(ctx).First(&machine, "id = ?", machineID).Error; err != nil {
		return nil, storeErr(err, "machine "+machineID)
	}
	return &machine, nil
}

func (r *Registry) inconsistency(machineID, kind, refID string) error {
	// Alert-level: this should be impossible while cascades are honored.
	r.log.Error().
		Str("alert", "data_integrity").
		Str("machine_id", machineID).
		Str("dangling_"+kind+"_id", refID).
		Msg("machine references a deleted " + kind)
	return fmt.Errorf("machine %s references missing %s %s: %w", machineID, kind, refID, ErrInconsistent)
}
