package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetmon/pkg/detect"
)

func cleanPerf() *detect.Performance {
	return &detect.Performance{CPUPercent: 20, RAMPercent: 35, DiskPercent: 50}
}

func TestIngestUnknownMachine(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.ingestor.Ingest(context.Background(), "no-such-machine", time.Now().UTC(), cleanPerf())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIngestUnknownMachineWinsOverBadPayload(t *testing.T) {
	// An unknown machine reads as not-found even when the submission is
	// also invalid on its own terms.
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.srv.ingestor.Ingest(ctx, "no-such-machine", time.Now().UTC(),
		&detect.Performance{CPUPercent: 250})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.srv.ingestor.Ingest(ctx, "no-such-machine",
		time.Now().UTC().Add(time.Hour), cleanPerf())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIngestFutureTimestamp(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)

	_, err := env.srv.ingestor.Ingest(context.Background(), machine.ID,
		time.Now().UTC().Add(time.Hour), cleanPerf())
	require.ErrorIs(t, err, ErrInvalidInput)

	// Within the skew tolerance the report is accepted.
	_, err = env.srv.ingestor.Ingest(context.Background(), machine.ID,
		time.Now().UTC().Add(time.Minute), cleanPerf())
	require.NoError(t, err)
}

func TestIngestRejectsMalformedPerformance(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)

	_, err := env.srv.ingestor.Ingest(context.Background(), machine.ID, time.Now().UTC(),
		&detect.Performance{CPUPercent: 250})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestIngestDuplicateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)
	ctx := context.Background()
	ts := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

	first, err := env.srv.ingestor.Ingest(ctx, machine.ID, ts, cleanPerf())
	require.NoError(t, err)

	second, err := env.srv.ingestor.Ingest(ctx, machine.ID, ts, cleanPerf())
	require.NoError(t, err)
	require.Equal(t, first, second, "retried submission must return the original scan id")

	var count int64
	require.NoError(t, env.srv.db.Model(&Scan{}).Where("machine_id = ?", machine.ID).Count(&count).Error)
	require.EqualValues(t, 1, count, "duplicate submission must not create a second row")
}

func TestIngestTriggersDetection(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)
	ctx := context.Background()

	perf := cleanPerf()
	perf.RecentFiles = []string{"C:/Downloads/f.pdf.exe"}

	_, err := env.srv.ingestor.Ingest(ctx, machine.ID, time.Now().UTC(), perf)
	require.NoError(t, err)

	var threats []Threat
	require.NoError(t, env.srv.db.Where("machine_id = ?", machine.ID).Find(&threats).Error)
	require.Len(t, threats, 1)
	require.Equal(t, "DOUBLE_EXTENSION", threats[0].ThreatType)
	require.Equal(t, ThreatNew, threats[0].Status)
}

func TestBacklogDrainRecoversDetection(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)
	ctx := context.Background()

	// Corrupt inventory makes the inline detection pass fail after the
	// scan committed; the scan must land in the backlog.
	require.NoError(t, env.srv.db.Model(&Machine{}).Where("id = ?", machine.ID).
		Update("inventory", "{not json").Error)

	perf := cleanPerf()
	perf.RecentFiles = []string{"C:/Downloads/f.pdf.exe"}
	scanID, err := env.srv.ingestor.Ingest(ctx, machine.ID, time.Now().UTC(), perf)
	require.NoError(t, err, "ingestion must not fail on detection errors")

	var backlog []DetectionBacklog
	require.NoError(t, env.srv.db.Find(&backlog).Error)
	require.Len(t, backlog, 1)
	require.Equal(t, scanID, backlog[0].ScanID)

	var count int64
	require.NoError(t, env.srv.db.Model(&Threat{}).Count(&count).Error)
	require.EqualValues(t, 0, count)

	// Fix the inventory and drain: detection completes and the entry clears.
	require.NoError(t, env.srv.db.Model(&Machine{}).Where("id = ?", machine.ID).
		Update("inventory", "{}").Error)
	env.srv.ingestor.DrainBacklog(ctx, 3)

	require.NoError(t, env.srv.db.Model(&Threat{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
	require.NoError(t, env.srv.db.Model(&DetectionBacklog{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestUpdateInventory(t *testing.T) {
	env := newTestEnv(t)
	machine := env.createMachine(t, nil)
	ctx := context.Background()

	err := env.srv.ingestor.UpdateInventory(ctx, machine.ID, &detect.Inventory{
		OS: "linux", Software: []string{"curl"},
	})
	require.NoError(t, err)

	var stored Machine
	require.NoError(t, env.srv.db.First(&stored, "id = ?", machine.ID).Error)
	require.Contains(t, stored.Inventory, `"os":"linux"`)

	err = env.srv.ingestor.UpdateInventory(ctx, "no-such-machine", &detect.Inventory{})
	require.ErrorIs(t, err, ErrNotFound)
}
