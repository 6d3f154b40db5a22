package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetmon/pkg/detect"
)

func TestCreatePolicyRejectsBadInterval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, interval := range []int{0, -5} {
		_, err := env.srv.ownership.CreatePolicy(ctx, env.manager.ID, "bad", interval)
		require.ErrorIs(t, err, ErrInvalidInput, "interval %d must be rejected", interval)
	}

	policy, err := env.srv.ownership.CreatePolicy(ctx, env.manager.ID, "hourly", 60)
	require.NoError(t, err)
	require.Equal(t, 60, policy.ScanIntervalMinutes)
}

func TestDeletePolicyUnassignsMachines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	policy := env.createPolicy(t, 60)
	machine := env.createMachine(t, &policy.ID)

	require.NoError(t, env.srv.ownership.DeletePolicy(ctx, env.manager.ID, policy.ID))

	var stored Machine
	require.NoError(t, env.srv.db.First(&stored, "id = ?", machine.ID).Error)
	require.Nil(t, stored.PolicyID, "policy delete must unassign, not delete, machines")

	info, err := env.srv.scheduler.MachineSchedule(ctx, machine.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, info.Monitored)
}

func TestDeleteMachineCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	machine := env.createMachine(t, nil)

	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: machine.ID, ScanTimestamp: time.Now().UTC(), Performance: "{}",
	}).Error)
	require.NoError(t, env.srv.threats.Reconcile(ctx, machine.ID, time.Now().UTC(),
		[]detect.Candidate{doubleExtCandidate("f.pdf.exe")}))

	require.NoError(t, env.srv.ownership.DeleteMachine(ctx, env.manager.ID, machine.ID))

	var scans, threats int64
	require.NoError(t, env.srv.db.Model(&Scan{}).Where("machine_id = ?", machine.ID).Count(&scans).Error)
	require.NoError(t, env.srv.db.Model(&Threat{}).Where("machine_id = ?", machine.ID).Count(&threats).Error)
	require.Zero(t, scans)
	require.Zero(t, threats)
}

func TestDeleteMachineWrongManager(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)

	err := env.srv.ownership.DeleteMachine(context.Background(), "intruder", machine.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteManagerCascadesSubtree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	policy := env.createPolicy(t, 60)
	machine := env.createMachine(t, &policy.ID)
	_, _, err := env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: machine.ID, ScanTimestamp: time.Now().UTC(), Performance: "{}",
	}).Error)

	require.NoError(t, env.srv.ownership.DeleteManager(ctx, env.manager.ID))

	for _, probe := range []struct {
		name  string
		model any
	}{
		{"managers", &Manager{}},
		{"policies", &Policy{}},
		{"machines", &Machine{}},
		{"invitations", &Invitation{}},
		{"scans", &Scan{}},
		{"threats", &Threat{}},
	} {
		var count int64
		require.NoError(t, env.srv.db.Model(probe.model).Count(&count).Error)
		require.Zero(t, count, "%s should be empty after manager delete", probe.name)
	}
}

func TestDeleteAgentUserUnlinksMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, token, err := env.srv.invitations.Issue(ctx, env.manager.ID, "agent@x.com", time.Hour)
	require.NoError(t, err)
	machine, err := env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: "hw-1"})
	require.NoError(t, err)
	require.NotNil(t, machine.UserID)

	require.NoError(t, env.srv.ownership.DeleteUser(ctx, *machine.UserID))

	var stored Machine
	require.NoError(t, env.srv.db.First(&stored, "id = ?", machine.ID).Error)
	require.Nil(t, stored.UserID, "agent deletion must null the weak link, not delete the machine")
}
