package detect

import "fmt"

// Inventory is a machine's static snapshot, refreshed by the agent on
// enrollment and on demand. Stored as JSON on the machine row.
type Inventory struct {
	OS       string    `json:"os"`
	OSVer    string    `json:"os_version"`
	CPUModel string    `json:"cpu_model"`
	RAMMB    uint64    `json:"ram_mb"`
	Software []string  `json:"software"`
	Accounts []Account `json:"accounts"`
}

// Account describes a local user account reported in the inventory.
type Account struct {
	Username         string `json:"username"`
	Admin            bool   `json:"admin"`
	PasswordRequired bool   `json:"password_required"`
}

// Performance is the volatile per-scan snapshot submitted by agents.
// Stored as JSON on the scan row.
type Performance struct {
	CPUPercent     float64   `json:"cpu_percent"`
	RAMPercent     float64   `json:"ram_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	Processes      []Process `json:"processes,omitempty"`
	OpenPorts      []Port    `json:"open_ports,omitempty"`
	RecentFiles    []string  `json:"recent_files,omitempty"`
	HostsEntries   []string  `json:"hosts_entries,omitempty"`
	FailedLogins   int       `json:"failed_logins,omitempty"`
	ScheduledTasks []string  `json:"scheduled_tasks,omitempty"`
	PathEntries    []string  `json:"path_entries,omitempty"`
}

// Process is a running process observed during a scan.
type Process struct {
	Name string `json:"name"`
	PID  int32  `json:"pid"`
}

// Port is a listening port observed during a scan.
type Port struct {
	Port    int    `json:"port"`
	Process string `json:"process"`
}

// Validate rejects performance payloads whose shape would break rule
// evaluation. Detection correctness depends on these fields, so they are
// checked at ingestion rather than trusted as opaque blobs.
func (p *Performance) Validate() error {
	if p == nil {
		return fmt.Errorf("performance payload missing")
	}
	if p.CPUPercent < 0 || p.CPUPercent > 100 {
		return fmt.Errorf("cpu_percent %.1f out of range", p.CPUPercent)
	}
	if p.RAMPercent < 0 || p.RAMPercent > 100 {
		return fmt.Errorf("ram_percent %.1f out of range", p.RAMPercent)
	}
	if p.DiskPercent < 0 || p.DiskPercent > 100 {
		return fmt.Errorf("disk_percent %.1f out of range", p.DiskPercent)
	}
	for _, port := range p.OpenPorts {
		if port.Port < 0 || port.Port > 65535 {
			return fmt.Errorf("port %d out of range", port.Port)
		}
	}
	if p.FailedLogins < 0 {
		return fmt.Errorf("failed_logins %d negative", p.FailedLogins)
	}
	return nil
}
