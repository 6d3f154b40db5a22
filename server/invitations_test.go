package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndRedeem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, token, err := env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, InvitationPending, inv.Status)
	require.NotEmpty(t, token)

	machine, err := env.srv.invitations.Redeem(ctx, token, Enrollment{
		Password:   "hunter2",
		Hostname:   "laptop-01",
		HardwareID: "hw-0001",
	})
	require.NoError(t, err)
	require.Equal(t, env.manager.ID, machine.ManagerID)
	require.NotNil(t, machine.UserID)

	var stored Invitation
	require.NoError(t, env.srv.db.First(&stored, "id = ?", inv.ID).Error)
	require.Equal(t, InvitationAccepted, stored.Status)
	require.NotNil(t, stored.AcceptedAt)

	var agent User
	require.NoError(t, env.srv.db.First(&agent, "id = ?", *machine.UserID).Error)
	require.Equal(t, RoleAgent, agent.Role)
	require.Equal(t, "a@x.com", agent.Email)
}

func TestIssueValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.srv.invitations.Issue(ctx, "no-such-manager", "a@x.com", time.Hour)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = env.srv.invitations.Issue(ctx, env.manager.ID, "", time.Hour)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", -time.Hour)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRedeemUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.invitations.Redeem(context.Background(), "never-issued", Enrollment{HardwareID: "hw"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedeemTwiceSecondFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, token, err := env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", time.Hour)
	require.NoError(t, err)

	_, err = env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: "hw-1"})
	require.NoError(t, err)

	_, err = env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: "hw-2"})
	require.ErrorIs(t, err, ErrConflict)

	var count int64
	require.NoError(t, env.srv.db.Model(&Machine{}).Count(&count).Error)
	require.EqualValues(t, 1, count, "second redemption must not create a machine")
}

func TestRedeemConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, token, err := env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", time.Hour)
	require.NoError(t, err)

	// Lock contention on the shared in-memory database reads as transient;
	// only the settled outcome matters here.
	redeem := func(hw string) error {
		for i := 0; i < 50; i++ {
			_, err := env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: hw})
			if !errors.Is(err, ErrTransient) {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return ErrTransient
	}

	results := make(chan error, 2)
	start := make(chan struct{})
	for _, hw := range []string{"hw-a", "hw-b"} {
		hw := hw
		go func() {
			<-start
			results <- redeem(hw)
		}()
	}
	close(start)

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected redemption outcome: %v", err)
		}
	}
	require.Equal(t, 1, wins, "exactly one redemption may claim the invitation")
	require.Equal(t, 1, conflicts, "the loser must observe the claim")

	var count int64
	require.NoError(t, env.srv.db.Model(&Machine{}).Count(&count).Error)
	require.EqualValues(t, 1, count, "a lost race must not create a machine")
}

func TestRedeemExpiredLazily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, token, err := env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", time.Hour)
	require.NoError(t, err)

	// Age the row far past its deadline without any sweep running: lazy
	// evaluation alone must reject it.
	require.NoError(t, env.srv.db.Model(&Invitation{}).Where("id = ?", inv.ID).
		Update("expires_at", time.Now().UTC().Add(-30*24*time.Hour)).Error)

	_, err = env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: "hw-1"})
	require.ErrorIs(t, err, ErrExpired)

	var stored Invitation
	require.NoError(t, env.srv.db.First(&stored, "id = ?", inv.ID).Error)
	require.Equal(t, InvitationExpired, stored.Status, "failed redeem should flip the row")

	// And again, now from the terminal state.
	_, err = env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: "hw-1"})
	require.ErrorIs(t, err, ErrExpired)
}

func TestRedeemHardwareClaimedByAnotherManager(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	otherUser := User{ID: newID(), Email: "other@example.com", Role: RoleManager}
	require.NoError(t, env.srv.db.Create(&otherUser).Error)
	other := Manager{ID: newID(), UserID: otherUser.ID, CompanyName: "Other Co"}
	require.NoError(t, env.srv.db.Create(&other).Error)
	require.NoError(t, env.srv.db.Create(&Machine{
		ID: newID(), ManagerID: other.ID, HardwareID: "hw-taken",
	}).Error)

	_, token, err := env.srv.invitations.Issue(ctx, env.manager.ID, "a@x.com", time.Hour)
	require.NoError(t, err)

	_, err = env.srv.invitations.Redeem(ctx, token, Enrollment{Password: "p", HardwareID: "hw-taken"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSweepMarksExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fresh, _, err := env.srv.invitations.Issue(ctx, env.manager.ID, "fresh@x.com", time.Hour)
	require.NoError(t, err)
	stale, _, err := env.srv.invitations.Issue(ctx, env.manager.ID, "stale@x.com", time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.srv.db.Model(&Invitation{}).Where("id = ?", stale.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	flipped, err := env.srv.invitations.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, flipped)

	var stored Invitation
	require.NoError(t, env.srv.db.First(&stored, "id = ?", stale.ID).Error)
	require.Equal(t, InvitationExpired, stored.Status)
	require.NoError(t, env.srv.db.First(&stored, "id = ?", fresh.ID).Error)
	require.Equal(t, InvitationPending, stored.Status)
}

func TestListEvaluatesExpiryLazily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale, _, err := env.srv.invitations.Issue(ctx, env.manager.ID, "stale@x.com", time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.srv.db.Model(&Invitation{}).Where("id = ?", stale.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	invs, err := env.srv.invitations.List(ctx, env.manager.ID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Equal(t, InvitationExpired, invs[0].Status, "listing must not show a stale PENDING")
}
