package detect

import (
	"testing"
)

func TestEvaluate(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name      string
		inv       *Inventory
		perf      *Performance
		wantRules []string
	}{
		{
			name: "clean scan",
			inv: &Inventory{
				OS:       "windows",
				Accounts: []Account{{Username: "alice", Admin: true, PasswordRequired: true}},
			},
			perf: &Performance{
				CPUPercent: 12.5,
				RAMPercent: 40,
				Processes:  []Process{{Name: "explorer.exe", PID: 100}},
			},
			wantRules: nil,
		},
		{
			name: "double extension in recent files",
			inv:  &Inventory{},
			perf: &Performance{
				RecentFiles: []string{"C:/Downloads/f.pdf.exe", "C:/Docs/report.pdf"},
			},
			wantRules: []string{"DOUBLE_EXTENSION"},
		},
		{
			name: "backdoor port and attack tool",
			inv:  &Inventory{},
			perf: &Performance{
				OpenPorts: []Port{{Port: 4444, Process: "svch0st"}, {Port: 443, Process: "nginx"}},
				Processes: []Process{{Name: "mimikatz.exe", PID: 666}},
			},
			wantRules: []string{"SUSPICIOUS_PORT", "MALICIOUS_PROCESS"},
		},
		{
			name:      "cpu outlier at threshold",
			inv:       &Inventory{},
			perf:      &Performance{CPUPercent: 95},
			wantRules: []string{"CPU_OUTLIER"},
		},
		{
			name: "excess admins and passwordless account",
			inv: &Inventory{
				Accounts: []Account{
					{Username: "a", Admin: true, PasswordRequired: true},
					{Username: "b", Admin: true, PasswordRequired: true},
					{Username: "c", Admin: true, PasswordRequired: true},
					{Username: "d", Admin: true, PasswordRequired: true},
					{Username: "guest", Admin: false, PasswordRequired: false},
				},
			},
			perf:      &Performance{},
			wantRules: []string{"EXCESS_ADMINS", "PASSWORDLESS_ACCOUNT"},
		},
		{
			name: "hosts file remaps update domain",
			inv:  &Inventory{},
			perf: &Performance{
				HostsEntries: []string{
					"0.0.0.0 download.windowsupdate.com",
					"127.0.0.1 localhost",
				},
			},
			wantRules: []string{"HOSTS_REDIRECT"},
		},
		{
			name:      "failed login burst",
			inv:       &Inventory{},
			perf:      &Performance{FailedLogins: 25},
			wantRules: []string{"FAILED_LOGIN_BURST"},
		},
		{
			name:      "failed logins at threshold stay quiet",
			inv:       &Inventory{},
			perf:      &Performance{FailedLogins: 10},
			wantRules: nil,
		},
		{
			name: "encoded scheduled task",
			inv:  &Inventory{},
			perf: &Performance{
				ScheduledTasks: []string{
					"Updater: powershell -enc SQBFAFgA",
					"Backup: C:\\Program Files\\backup.exe",
				},
			},
			wantRules: []string{"SUSPICIOUS_TASK"},
		},
		{
			name: "writable directory on PATH",
			inv:  &Inventory{},
			perf: &Performance{
				PathEntries: []string{"/usr/bin", "/tmp/.cache/bin"},
			},
			wantRules: []string{"PATH_HIJACK"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.inv, tt.perf, rules)

			if len(got) != len(tt.wantRules) {
				t.Fatalf("Evaluate() returned %d candidates, want %d: %+v", len(got), len(tt.wantRules), got)
			}
			seen := make(map[string]bool)
			for _, c := range got {
				seen[c.RuleID] = true
				if c.Fingerprint == "" {
					t.Errorf("candidate %s has empty fingerprint", c.RuleID)
				}
			}
			for _, want := range tt.wantRules {
				if !seen[want] {
					t.Errorf("Evaluate() missing candidate for rule %s", want)
				}
			}
		})
	}
}

func TestEvaluateCustomDenylist(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		ID:       "UNAUTHORIZED_SOFTWARE",
		Kind:     KindUnauthorizedSoftware,
		Level:    "medium",
		Denylist: []string{"torrent"},
	}}}

	inv := &Inventory{Software: []string{"uTorrent 3.6", "Firefox"}}
	got := Evaluate(inv, &Performance{}, rs)
	if len(got) != 1 {
		t.Fatalf("Evaluate() = %d candidates, want 1", len(got))
	}
	if got[0].Evidence["software"] != "uTorrent 3.6" {
		t.Errorf("evidence software = %q", got[0].Evidence["software"])
	}
}

func TestRuleSetValidate(t *testing.T) {
	tests := []struct {
		name    string
		rs      RuleSet
		wantErr bool
	}{
		{"default set valid", *DefaultRules(), false},
		{"unknown kind", RuleSet{Rules: []Rule{{ID: "X", Kind: "nonsense", Level: LevelLow}}}, true},
		{"unknown level", RuleSet{Rules: []Rule{{ID: "X", Kind: KindExcessAdmins, Level: "urgent"}}}, true},
		{"duplicate id", RuleSet{Rules: []Rule{
			{ID: "X", Kind: KindExcessAdmins, Level: LevelLow},
			{ID: "X", Kind: KindExcessAdmins, Level: LevelLow},
		}}, true},
		{"outlier threshold out of range", RuleSet{Rules: []Rule{
			{ID: "X", Kind: KindResourceOutlier, Level: LevelLow, Metric: "cpu_percent", Threshold: 150},
		}}, true},
		{"failed logins without ceiling", RuleSet{Rules: []Rule{
			{ID: "X", Kind: KindFailedLogins, Level: LevelMedium},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rs.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPerformanceValidate(t *testing.T) {
	tests := []struct {
		name    string
		perf    *Performance
		wantErr bool
	}{
		{"valid", &Performance{CPUPercent: 50, RAMPercent: 60, DiskPercent: 70}, false},
		{"nil payload", nil, true},
		{"cpu out of range", &Performance{CPUPercent: 120}, true},
		{"negative ram", &Performance{RAMPercent: -1}, true},
		{"port out of range", &Performance{OpenPorts: []Port{{Port: 90000}}}, true},
		{"negative failed logins", &Performance{FailedLogins: -3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.perf.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
