package detect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule kinds understood by the engine. Each kind consumes a different slice
// of the scan or inventory payload.
const (
	KindDoubleExtension      = "double_extension"
	KindSuspiciousPort       = "suspicious_port"
	KindMaliciousProcess     = "malicious_process"
	KindResourceOutlier      = "resource_outlier"
	KindUnauthorizedSoftware = "unauthorized_software"
	KindExcessAdmins         = "excess_admins"
	KindPasswordlessAccount  = "passwordless_account"
	KindHostsEntry           = "hosts_entry"
	KindFailedLogins         = "failed_logins"
	KindScheduledTask        = "scheduled_task"
	KindPathEntry            = "path_entry"
)

// Rule is one detection rule, supplied as data. ID doubles as the persisted
// threat type.
type Rule struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"`
	Level       string `yaml:"level"`
	Description string `yaml:"description"`

	// Kind-specific parameters.
	Extensions []string `yaml:"extensions,omitempty"`
	Ports      []int    `yaml:"ports,omitempty"`
	Names      []string `yaml:"names,omitempty"`
	Metric     string   `yaml:"metric,omitempty"`
	Threshold  float64  `yaml:"threshold,omitempty"`
	Denylist   []string `yaml:"denylist,omitempty"`
	MaxAdmins  int      `yaml:"max_admins,omitempty"`
	Domains    []string `yaml:"domains,omitempty"`
	MaxFailed  int      `yaml:"max_failed,omitempty"`
}

// RuleSet is the configured collection of detection rules.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Levels a rule may declare, in ascending severity.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

func validLevel(level string) bool {
	switch level {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// LoadRules reads a rule set from a YAML file, falling back to the built-in
// default set when path is empty or the file does not exist.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return nil, err
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks the rule set for malformed entries before it is trusted.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if !validLevel(r.Level) {
			return fmt.Errorf("rule %s: unknown level %q", r.ID, r.Level)
		}
		switch r.Kind {
		case KindDoubleExtension, KindSuspiciousPort, KindMaliciousProcess,
			KindResourceOutlier, KindUnauthorizedSoftware, KindExcessAdmins,
			KindPasswordlessAccount, KindHostsEntry, KindFailedLogins,
			KindScheduledTask, KindPathEntry:
		default:
			return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
		}
		if r.Kind == KindResourceOutlier && (r.Threshold <= 0 || r.Threshold > 100) {
			return fmt.Errorf("rule %s: threshold %.1f out of range", r.ID, r.Threshold)
		}
		if r.Kind == KindFailedLogins && r.MaxFailed <= 0 {
			return fmt.Errorf("rule %s: max_failed %d must be positive", r.ID, r.MaxFailed)
		}
	}
	return nil
}

// DefaultRules returns the stock rule set shipped with the server.
func DefaultRules() *RuleSet {
	return &RuleSet{Rules: []Rule{
		{
			ID:          "DOUBLE_EXTENSION",
			Kind:        KindDoubleExtension,
			Level:       "high",
			Description: "File disguises its executable type behind a document extension",
			Extensions: []string{
				".exe.pdf", ".pdf.exe", ".doc.exe", ".jpg.exe",
				".png.exe", ".txt.exe", ".scr", ".pif", ".bat.exe",
			},
		},
		{
			ID:          "SUSPICIOUS_PORT",
			Kind:        KindSuspiciousPort,
			Level:       "medium",
			Description: "Listening port commonly associated with backdoors",
			Ports:       []int{1337, 31337, 4444, 5555, 6666, 7777, 8888, 9999},
		},
		{
			ID:          "MALICIOUS_PROCESS",
			Kind:        KindMaliciousProcess,
			Level:       "critical",
			Description: "Process name matches a known attack tool",
			Names: []string{
				"netcat", "nc", "mimikatz", "psexec", "wce", "fgdump",
				"pwdump", "gsecdump", "cachedump", "lsadump",
			},
		},
		{
			ID:          "CPU_OUTLIER",
			Kind:        KindResourceOutlier,
			Level:       "low",
			Description: "Sustained CPU usage above expected ceiling",
			Metric:      "cpu_percent",
			Threshold:   95,
		},
		{
			ID:          "RAM_OUTLIER",
			Kind:        KindResourceOutlier,
			Level:       "low",
			Description: "Memory usage above expected ceiling",
			Metric:      "ram_percent",
			Threshold:   95,
		},
		{
			ID:          "EXCESS_ADMINS",
			Kind:        KindExcessAdmins,
			Level:       "medium",
			Description: "More administrator accounts than the allowed maximum",
			MaxAdmins:   3,
		},
		{
			ID:          "PASSWORDLESS_ACCOUNT",
			Kind:        KindPasswordlessAccount,
			Level:       "high",
			Description: "Local account does not require a password",
		},
		{
			ID:          "HOSTS_REDIRECT",
			Kind:        KindHostsEntry,
			Level:       "high",
			Description: "Hosts file remaps an update or security domain",
			Domains: []string{
				"windowsupdate", "update.microsoft", "avast", "mcafee",
				"symantec", "kaspersky", "sophos", "virustotal",
			},
		},
		{
			ID:          "FAILED_LOGIN_BURST",
			Kind:        KindFailedLogins,
			Level:       "medium",
			Description: "Burst of failed logon attempts since the last scan",
			MaxFailed:   10,
		},
		{
			ID:          "SUSPICIOUS_TASK",
			Kind:        KindScheduledTask,
			Level:       "high",
			Description: "Scheduled task runs from a user-writable or encoded command",
			Names: []string{
				"powershell -enc", "powershell -e ", "-encodedcommand",
				"\\appdata\\", "\\temp\\", "/tmp/", "curl ", "wget ",
			},
		},
		{
			ID:          "PATH_HIJACK",
			Kind:        KindPathEntry,
			Level:       "medium",
			Description: "Search path includes a user-writable directory",
			Denylist: []string{
				"\\appdata\\local\\temp", "\\downloads", "/tmp", "/dev/shm",
			},
		},
	}}
}
