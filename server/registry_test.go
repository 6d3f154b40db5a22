package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveOwner(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)

	owner, err := env.srv.registry.ResolveOwner(context.Background(), machine.ID)
	require.NoError(t, err)
	require.Equal(t, env.manager.ID, owner)
}

func TestResolveOwnerUnknownMachine(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.registry.ResolveOwner(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveOwnerDanglingManager(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)

	// Break the cascade invariant behind the registry's back.
	require.NoError(t, env.srv.db.Delete(&Manager{}, "id = ?", env.manager.ID).Error)

	_, err := env.srv.registry.ResolveOwner(context.Background(), machine.ID)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestResolvePolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unassigned := env.createMachine(t, nil)
	policy, err := env.srv.registry.ResolvePolicy(ctx, unassigned.ID)
	require.NoError(t, err)
	require.Nil(t, policy, "machine without policy resolves to none")

	p := env.createPolicy(t, 45)
	assigned := env.createMachine(t, &p.ID)
	policy, err = env.srv.registry.ResolvePolicy(ctx, assigned.ID)
	require.NoError(t, err)
	require.NotNil(t, policy)
	require.Equal(t, 45, policy.ScanIntervalMinutes)
}

func TestResolvePolicyDangling(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPolicy(t, 45)
	machine := env.createMachine(t, &p.ID)

	// Delete the policy row directly, skipping the SET NULL cascade.
	require.NoError(t, env.srv.db.Delete(&Policy{}, "id = ?", p.ID).Error)

	_, err := env.srv.registry.ResolvePolicy(context.Background(), machine.ID)
	require.ErrorIs(t, err, ErrInconsistent)
}
