package detect

import (
	"fmt"
	"strings"
)

// Candidate is one rule match produced by Evaluate. Evidence holds the full
// context for reviewers; Fingerprint is derived from the rule id and the
// identifying subset only, so repeated detections of the same finding
// collapse to one open threat.
type Candidate struct {
	RuleID      string
	Level       string
	Description string
	Evidence    map[string]string
	Fingerprint string
}

func newCandidate(r Rule, description string, evidence, identity map[string]string) Candidate {
	return Candidate{
		RuleID:      r.ID,
		Level:       r.Level,
		Description: description,
		Evidence:    evidence,
		Fingerprint: Fingerprint(r.ID, identity),
	}
}

// Evaluate applies the rule set to one scan's performance payload and the
// machine's current inventory. Pure: no I/O, deterministic for given inputs.
func Evaluate(inv *Inventory, perf *Performance, rs *RuleSet) []Candidate {
	var out []Candidate
	for _, rule := range rs.Rules {
		out = append(out, applyRule(rule, inv, perf)...)
	}
	return out
}

func applyRule(r Rule, inv *Inventory, perf *Performance) []Candidate {
	switch r.Kind {
	case KindDoubleExtension:
		return checkDoubleExtension(r, perf)
	case KindSuspiciousPort:
		return checkSuspiciousPort(r, perf)
	case KindMaliciousProcess:
		return checkMaliciousProcess(r, perf)
	case KindResourceOutlier:
		return checkResourceOutlier(r, perf)
	case KindUnauthorizedSoftware:
		return checkUnauthorizedSoftware(r, inv)
	case KindExcessAdmins:
		return checkExcessAdmins(r, inv)
	case KindPasswordlessAccount:
		return checkPasswordlessAccount(r, inv)
	case KindHostsEntry:
		return checkHostsEntry(r, perf)
	case KindFailedLogins:
		return checkFailedLogins(r, perf)
	case KindScheduledTask:
		return checkScheduledTask(r, perf)
	case KindPathEntry:
		return checkPathEntry(r, perf)
	}
	return nil
}

func checkDoubleExtension(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var out []Candidate
	for _, file := range perf.RecentFiles {
		lower := strings.ToLower(file)
		for _, ext := range r.Extensions {
			if strings.HasSuffix(lower, ext) {
				out = append(out, newCandidate(r,
					fmt.Sprintf("File with disguised extension: %s", file),
					map[string]string{"file": file, "extension": ext},
					map[string]string{"file": file},
				))
				break
			}
		}
	}
	return out
}

func checkSuspiciousPort(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var out []Candidate
	for _, p := range perf.OpenPorts {
		for _, bad := range r.Ports {
			if p.Port == bad {
				out = append(out, newCandidate(r,
					fmt.Sprintf("Suspicious port %d open by %s", p.Port, p.Process),
					map[string]string{"port": fmt.Sprintf("%d", p.Port), "process": p.Process},
					map[string]string{"port": fmt.Sprintf("%d", p.Port)},
				))
				break
			}
		}
	}
	return out
}

func checkMaliciousProcess(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var out []Candidate
	for _, proc := range perf.Processes {
		name := strings.ToLower(proc.Name)
		for _, bad := range r.Names {
			if strings.Contains(name, bad) {
				out = append(out, newCandidate(r,
					fmt.Sprintf("Potentially malicious process detected: %s", proc.Name),
					map[string]string{"process": proc.Name, "matched": bad},
					map[string]string{"process": name},
				))
				break
			}
		}
	}
	return out
}

func checkResourceOutlier(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var value float64
	switch r.Metric {
	case "cpu_percent":
		value = perf.CPUPercent
	case "ram_percent":
		value = perf.RAMPercent
	case "disk_percent":
		value = perf.DiskPercent
	default:
		return nil
	}
	if value < r.Threshold {
		return nil
	}
	return []Candidate{newCandidate(r,
		fmt.Sprintf("%s at %.1f%% exceeds threshold %.1f%%", r.Metric, value, r.Threshold),
		map[string]string{"metric": r.Metric, "value": fmt.Sprintf("%.1f", value)},
		// The metric alone identifies the finding: repeated outliers on the
		// same metric are one ongoing condition, not one threat per scan.
		map[string]string{"metric": r.Metric},
	)}
}

func checkUnauthorizedSoftware(r Rule, inv *Inventory) []Candidate {
	if inv == nil {
		return nil
	}
	var out []Candidate
	for _, sw := range inv.Software {
		lower := strings.ToLower(sw)
		for _, banned := range r.Denylist {
			if strings.Contains(lower, strings.ToLower(banned)) {
				out = append(out, newCandidate(r,
					fmt.Sprintf("Unauthorized software installed: %s", sw),
					map[string]string{"software": sw, "matched": banned},
					map[string]string{"software": lower},
				))
				break
			}
		}
	}
	return out
}

func checkExcessAdmins(r Rule, inv *Inventory) []Candidate {
	if inv == nil {
		return nil
	}
	var admins []string
	for _, acct := range inv.Accounts {
		if acct.Admin {
			admins = append(admins, acct.Username)
		}
	}
	if len(admins) <= r.MaxAdmins {
		return nil
	}
	return []Candidate{newCandidate(r,
		fmt.Sprintf("Too many administrator accounts: %d", len(admins)),
		map[string]string{
			"admin_count": fmt.Sprintf("%d", len(admins)),
			"admins":      strings.Join(admins, ","),
		},
		// One ongoing condition per machine regardless of which accounts
		// make up the excess.
		map[string]string{},
	)}
}

func checkHostsEntry(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var out []Candidate
	for _, entry := range perf.HostsEntries {
		lower := strings.ToLower(entry)
		for _, domain := range r.Domains {
			if strings.Contains(lower, strings.ToLower(domain)) {
				out = append(out, newCandidate(r,
					fmt.Sprintf("Hosts file overrides %s: %s", domain, entry),
					map[string]string{"entry": entry, "domain": domain},
					map[string]string{"entry": lower},
				))
				break
			}
		}
	}
	return out
}

func checkFailedLogins(r Rule, perf *Performance) []Candidate {
	if perf == nil || perf.FailedLogins <= r.MaxFailed {
		return nil
	}
	return []Candidate{newCandidate(r,
		fmt.Sprintf("%d failed logons exceed threshold %d", perf.FailedLogins, r.MaxFailed),
		map[string]string{"failed_logins": fmt.Sprintf("%d", perf.FailedLogins)},
		// One ongoing condition per machine; the count varies scan to scan.
		map[string]string{},
	)}
}

func checkScheduledTask(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var out []Candidate
	for _, task := range perf.ScheduledTasks {
		lower := strings.ToLower(task)
		for _, bad := range r.Names {
			if strings.Contains(lower, bad) {
				out = append(out, newCandidate(r,
					fmt.Sprintf("Suspicious scheduled task: %s", task),
					map[string]string{"task": task, "matched": bad},
					map[string]string{"task": lower},
				))
				break
			}
		}
	}
	return out
}

func checkPathEntry(r Rule, perf *Performance) []Candidate {
	if perf == nil {
		return nil
	}
	var out []Candidate
	for _, dir := range perf.PathEntries {
		lower := strings.ToLower(dir)
		for _, banned := range r.Denylist {
			if strings.Contains(lower, banned) {
				out = append(out, newCandidate(r,
					fmt.Sprintf("Search path contains writable directory: %s", dir),
					map[string]string{"path_entry": dir, "matched": banned},
					map[string]string{"path_entry": lower},
				))
				break
			}
		}
	}
	return out
}

func checkPasswordlessAccount(r Rule, inv *Inventory) []Candidate {
	if inv == nil {
		return nil
	}
	var out []Candidate
	for _, acct := range inv.Accounts {
		if !acct.PasswordRequired {
			out = append(out, newCandidate(r,
				fmt.Sprintf("Account without password: %s", acct.Username),
				map[string]string{"username": acct.Username},
				map[string]string{"username": acct.Username},
			))
		}
	}
	return out
}
