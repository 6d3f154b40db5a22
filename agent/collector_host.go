package main

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmon/fleetmon/pkg/detect"
)

func rootMount() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// recentDownloads returns files in the user's Downloads directory touched in
// the last 24 hours. Rules that look at file names (double extensions) run
// against these.
func (c *collector) recentDownloads() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, "Downloads")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files
}

// hostsEntries returns static name mappings from the hosts file, skipping
// comments and blank lines.
func (c *collector) hostsEntries() []string {
	path := "/etc/hosts"
	if runtime.GOOS == "windows" {
		path = `C:\Windows\System32\drivers\etc\hosts`
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}

// scheduledTasks lists recurring jobs from the system crontab and cron drop-in
// directory. Linux only.
func (c *collector) scheduledTasks() []string {
	if runtime.GOOS != "linux" {
		return nil
	}
	tasks := cronLines("/etc/crontab")
	if entries, err := os.ReadDir("/etc/cron.d"); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			tasks = append(tasks, cronLines(filepath.Join("/etc/cron.d", e.Name()))...)
		}
	}
	return tasks
}

func cronLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Environment assignments like SHELL=/bin/sh are not jobs.
		if strings.Contains(line, "=") && !strings.ContainsAny(line, " \t") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// pathEntries splits the agent's search path into its directories.
func (c *collector) pathEntries() []string {
	raw := os.Getenv("PATH")
	if raw == "" {
		return nil
	}
	var dirs []string
	for _, dir := range filepath.SplitList(raw) {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// installedSoftware reports application names from the platform's standard
// install locations. Best effort; unsupported platforms report nothing.
func (c *collector) installedSoftware(_ context.Context) []string {
	switch runtime.GOOS {
	case "darwin":
		return listNames("/Applications", ".app")
	case "linux":
		return listNames("/usr/share/applications", ".desktop")
	default:
		return nil
	}
}

func listNames(dir, suffix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, suffix))
	}
	return names
}

// localAccounts parses the local account database. Linux only; other
// platforms report nothing and the account rules simply see no input.
func (c *collector) localAccounts(_ context.Context) []detect.Account {
	if runtime.GOOS != "linux" {
		return nil
	}

	f, err := os.Open("/etc/passwd")
	if err != nil {
		return nil
	}
	defer f.Close()

	noPassword := passwordlessUsers()
	admins := adminGroupMembers()

	var accounts []detect.Account
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 7 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		// Human accounts only: root plus the regular-user UID range.
		if uid != 0 && uid < 1000 {
			continue
		}
		shell := fields[6]
		if strings.HasSuffix(shell, "nologin") || strings.HasSuffix(shell, "false") {
			continue
		}
		name := fields[0]
		accounts = append(accounts, detect.Account{
			Username:         name,
			Admin:            uid == 0 || admins[name],
			PasswordRequired: !noPassword[name],
		})
	}
	return accounts
}

// passwordlessUsers reads /etc/shadow when the agent has the privilege to.
// Without it everyone is assumed to have a password set.
func passwordlessUsers() map[string]bool {
	f, err := os.Open("/etc/shadow")
	if err != nil {
		return nil
	}
	defer f.Close()

	out := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "" {
			out[fields[0]] = true
		}
	}
	return out
}

func adminGroupMembers() map[string]bool {
	f, err := os.Open("/etc/group")
	if err != nil {
		return nil
	}
	defer f.Close()

	out := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		if fields[0] != "sudo" && fields[0] != "wheel" && fields[0] != "admin" {
			continue
		}
		for _, member := range strings.Split(fields[3], ",") {
			if member != "" {
				out[member] = true
			}
		}
	}
	return out
}
