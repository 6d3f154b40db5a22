package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/fleetmon/fleetmon/pkg/detect"
)

// collector samples the host for inventory and per-scan performance
// snapshots. Individual probes failing is normal (permissions, platform
// gaps); the collector logs and moves on with what it has.
type collector struct {
	cpuSampleWindow time.Duration
}

func newCollector() *collector {
	return &collector{cpuSampleWindow: time.Second}
}

func (c *collector) inventory(ctx context.Context) *detect.Inventory {
	inv := &detect.Inventory{}

	if info, err := host.InfoWithContext(ctx); err == nil {
		inv.OS = info.Platform
		inv.OSVer = info.PlatformVersion
	} else {
		log.Warn().Err(err).Msg("Host info probe failed")
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		inv.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		inv.RAMMB = vm.Total / (1024 * 1024)
	}

	inv.Software = c.installedSoftware(ctx)
	inv.Accounts = c.localAccounts(ctx)
	return inv
}

func (c *collector) performance(ctx context.Context) *detect.Performance {
	perf := &detect.Performance{}

	if percents, err := cpu.PercentWithContext(ctx, c.cpuSampleWindow, false); err == nil && len(percents) > 0 {
		perf.CPUPercent = clampPercent(percents[0])
	} else if err != nil {
		log.Warn().Err(err).Msg("CPU probe failed")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		perf.RAMPercent = clampPercent(vm.UsedPercent)
	}
	if usage, err := disk.UsageWithContext(ctx, rootMount()); err == nil {
		perf.DiskPercent = clampPercent(usage.UsedPercent)
	}

	perf.Processes = c.processes(ctx)
	perf.OpenPorts = c.listeningPorts(ctx)
	perf.RecentFiles = c.recentDownloads()
	perf.HostsEntries = c.hostsEntries()
	perf.ScheduledTasks = c.scheduledTasks()
	perf.PathEntries = c.pathEntries()
	return perf
}

func (c *collector) processes(ctx context.Context) []detect.Process {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Process probe failed")
		return nil
	}

	out := make([]detect.Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out = append(out, detect.Process{Name: name, PID: p.Pid})
	}
	return out
}

func (c *collector) listeningPorts(ctx context.Context) []detect.Port {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		log.Warn().Err(err).Msg("Connection probe failed")
		return nil
	}

	procNames := map[int32]string{}
	var ports []detect.Port
	for _, conn := range conns {
		if conn.Status != "LISTEN" {
			continue
		}
		name := procNames[conn.Pid]
		if name == "" && conn.Pid > 0 {
			if p, err := process.NewProcessWithContext(ctx, conn.Pid); err == nil {
				name, _ = p.NameWithContext(ctx)
				procNames[conn.Pid] = name
			}
		}
		ports = append(ports, detect.Port{Port: int(conn.Laddr.Port), Process: name})
	}
	return ports
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
