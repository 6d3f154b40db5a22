package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMachineScheduleScenario(t *testing.T) {
	// Manager creates a 60-minute policy, machine scans at T0: not due at
	// T0+59m, due at T0+61m.
	env := newTestEnv(t)
	ctx := context.Background()

	policy := env.createPolicy(t, 60)
	machine := env.createMachine(t, &policy.ID)

	t0 := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: machine.ID, ScanTimestamp: t0, Performance: "{}",
	}).Error)

	info, err := env.srv.scheduler.MachineSchedule(ctx, machine.ID, t0.Add(59*time.Minute))
	require.NoError(t, err)
	require.True(t, info.Monitored)
	require.False(t, info.Due)
	require.Equal(t, t0.Add(60*time.Minute), info.NextDueAt.UTC())

	info, err = env.srv.scheduler.MachineSchedule(ctx, machine.ID, t0.Add(61*time.Minute))
	require.NoError(t, err)
	require.True(t, info.Due)
}

func TestMachineScheduleWithoutPolicy(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)

	info, err := env.srv.scheduler.MachineSchedule(context.Background(), machine.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, info.Monitored)
	require.False(t, info.Due, "unmonitored machines are never due")
	require.Nil(t, info.NextDueAt)
}

func TestMachineScheduleNeverScannedUsesCreationTime(t *testing.T) {
	env := newTestEnv(t)
	policy := env.createPolicy(t, 30)
	machine := env.createMachine(t, &policy.ID)

	// Freshly created machine: not due yet, due after the interval.
	info, err := env.srv.scheduler.MachineSchedule(context.Background(), machine.ID, machine.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, info.Due)

	info, err = env.srv.scheduler.MachineSchedule(context.Background(), machine.ID, machine.CreatedAt.Add(31*time.Minute))
	require.NoError(t, err)
	require.True(t, info.Due)
}

func TestMachineScheduleUnknownMachine(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.scheduler.MachineSchedule(context.Background(), "nope", time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDueMachines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	policy := env.createPolicy(t, 60)
	overdue := env.createMachine(t, &policy.ID)
	current := env.createMachine(t, &policy.ID)
	unmonitored := env.createMachine(t, nil)
	_ = unmonitored

	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: overdue.ID,
		ScanTimestamp: now.Add(-2 * time.Hour), Performance: "{}",
	}).Error)
	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: current.ID,
		ScanTimestamp: now.Add(-10 * time.Minute), Performance: "{}",
	}).Error)

	due, err := env.srv.scheduler.DueMachines(ctx, now)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, d := range due {
		ids[d.MachineID] = true
	}
	require.True(t, ids[overdue.ID], "machine past its interval must be due")
	require.False(t, ids[current.ID], "recently scanned machine must not be due")
	require.False(t, ids[unmonitored.ID], "machine without a policy must never be due")
}

func TestDueMachinesUsesLatestScan(t *testing.T) {
	// A machine with an old scan and a recent one is judged by the
	// recent one.
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	policy := env.createPolicy(t, 60)
	machine := env.createMachine(t, &policy.ID)

	latest := now.Add(-5 * time.Minute).Truncate(time.Second)
	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: machine.ID,
		ScanTimestamp: now.Add(-3 * time.Hour), Performance: "{}",
	}).Error)
	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: machine.ID,
		ScanTimestamp: latest, Performance: "{}",
	}).Error)

	due, err := env.srv.scheduler.DueMachines(ctx, now)
	require.NoError(t, err)
	for _, d := range due {
		require.NotEqual(t, machine.ID, d.MachineID, "latest scan is recent, machine must not be due")
	}

	due, err = env.srv.scheduler.DueMachines(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	var found bool
	for _, d := range due {
		if d.MachineID == machine.ID {
			found = true
			require.Equal(t, latest.Add(60*time.Minute), d.NextDueAt.UTC())
		}
	}
	require.True(t, found, "interval elapsed since the latest scan, machine must be due")
}

func TestIntervalEditTakesEffectImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	policy := env.createPolicy(t, 60)
	machine := env.createMachine(t, &policy.ID)
	require.NoError(t, env.srv.db.Create(&Scan{
		ID: newID(), MachineID: machine.ID,
		ScanTimestamp: now.Add(-30 * time.Minute), Performance: "{}",
	}).Error)

	info, err := env.srv.scheduler.MachineSchedule(ctx, machine.ID, now)
	require.NoError(t, err)
	require.False(t, info.Due)

	// Tighten the interval; no scheduler state to invalidate.
	require.NoError(t, env.srv.ownership.UpdatePolicyInterval(ctx, env.manager.ID, policy.ID, 15))

	info, err = env.srv.scheduler.MachineSchedule(ctx, machine.ID, now)
	require.NoError(t, err)
	require.True(t, info.Due)
}
