package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	managerID string
	Version   = "dev"
)

type Machine struct {
	ID           string    `json:"ID"`
	Hostname     string    `json:"Hostname"`
	FriendlyName string    `json:"FriendlyName"`
	PolicyID     *string   `json:"PolicyID"`
	CreatedAt    time.Time `json:"CreatedAt"`
}

type Threat struct {
	ID          string    `json:"ID"`
	MachineID   string    `json:"MachineID"`
	ThreatType  string    `json:"ThreatType"`
	Level       string    `json:"Level"`
	Description string    `json:"Description"`
	Status      string    `json:"Status"`
	DetectedAt  time.Time `json:"DetectedAt"`
}

type Policy struct {
	ID                  string `json:"ID"`
	Name                string `json:"Name"`
	ScanIntervalMinutes int    `json:"ScanIntervalMinutes"`
}

type Invitation struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Token      string     `json:"token"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetmon",
		Short: "Fleetmon - endpoint monitoring for managed fleets",
		Long:  "Manage policies, enrollments, and threat triage for your monitored fleet",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Fleetmon server URL")
	rootCmd.PersistentFlags().StringVarP(&managerID, "manager", "m", os.Getenv("FLEETMON_MANAGER_ID"), "Manager profile id")

	rootCmd.AddCommand(
		statusCmd(),
		machinesCmd(),
		threatsCmd(),
		invitationsCmd(),
		policiesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			var dash struct {
				Machines    int64 `json:"machines"`
				OpenThreats int64 `json:"open_threats"`
				DueMachines int   `json:"due_machines"`
			}
			if err := apiGet("/v1/dashboard", &dash); err != nil {
				return err
			}

			fmt.Printf("Fleetmon Status\n")
			fmt.Printf("===============\n\n")
			fmt.Printf("Machines:       %d\n", dash.Machines)
			fmt.Printf("Open Threats:   %d\n", dash.OpenThreats)
			fmt.Printf("Scans Overdue:  %d\n", dash.DueMachines)
			return nil
		},
	}
}

func machinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "machines",
		Aliases: []string{"ls", "list"},
		Short:   "List enrolled machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			var machines []Machine
			if err := apiGet("/v1/machines", &machines); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOSTNAME\tPOLICY\tENROLLED")
			for _, m := range machines {
				policy := "-"
				if m.PolicyID != nil {
					policy = *m.PolicyID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Hostname, policy, m.CreatedAt.Format("2006-01-02"))
			}
			w.Flush()
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rm [machine-id]",
		Short: "Delete a machine and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDo(http.MethodDelete, "/v1/machines/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Machine %s deleted\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "assign [machine-id] [policy-id]",
		Short: "Assign a scan policy to a machine (empty policy-id unassigns)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policyID := ""
			if len(args) == 2 {
				policyID = args[1]
			}
			body := map[string]string{"policy_id": policyID}
			if err := apiDo(http.MethodPut, "/v1/machines/"+args[0]+"/policy", body, nil); err != nil {
				return err
			}
			fmt.Println("Policy assignment updated")
			return nil
		},
	})
	return cmd
}

func threatsCmd() *cobra.Command {
	var status, level string
	cmd := &cobra.Command{
		Use:   "threats",
		Short: "List detected threats",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/threats"
			var params []string
			if status != "" {
				params = append(params, "status="+status)
			}
			if level != "" {
				params = append(params, "level="+level)
			}
			if len(params) > 0 {
				path += "?" + strings.Join(params, "&")
			}

			var threats []Threat
			if err := apiGet(path, &threats); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMACHINE\tTYPE\tLEVEL\tSTATUS\tDETECTED")
			for _, t := range threats {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
					t.ID, t.MachineID, t.ThreatType, t.Level, t.Status,
					time.Since(t.DetectedAt).Round(time.Minute))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (NEW, IN_REVIEW, RESOLVED)")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level")

	cmd.AddCommand(&cobra.Command{
		Use:   "review [threat-id]",
		Short: "Move a threat into review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDo(http.MethodPost, "/v1/threats/"+args[0]+"/review", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Threat %s is now in review\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve [threat-id]",
		Short: "Resolve a threat under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDo(http.MethodPost, "/v1/threats/"+args[0]+"/resolve", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Threat %s resolved\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show threat counts by level and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats struct {
				Total    int64            `json:"total"`
				Resolved int64            `json:"resolved"`
				Open     int64            `json:"open"`
				ByLevel  map[string]int64 `json:"by_level"`
				ByType   map[string]int64 `json:"by_type"`
			}
			if err := apiGet("/v1/threats/stats", &stats); err != nil {
				return err
			}

			fmt.Printf("Total: %d  Open: %d  Resolved: %d\n\n", stats.Total, stats.Open, stats.Resolved)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for level, n := range stats.ByLevel {
				fmt.Fprintf(w, "level/%s\t%d\n", level, n)
			}
			for typ, n := range stats.ByType {
				fmt.Fprintf(w, "type/%s\t%d\n", typ, n)
			}
			w.Flush()
			return nil
		},
	})
	return cmd
}

func invitationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "invitations",
		Aliases: []string{"inv"},
		Short:   "List enrollment invitations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var invs []Invitation
			if err := apiGet("/v1/invitations", &invs); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tSTATUS\tEXPIRES")
			for _, inv := range invs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inv.ID, inv.Email, inv.Status, inv.ExpiresAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}

	var ttlHours int
	issueCmd := &cobra.Command{
		Use:   "issue [email]",
		Short: "Issue an enrollment invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"email": args[0], "ttl_hours": ttlHours}
			var inv Invitation
			if err := apiDo(http.MethodPost, "/v1/invitations", body, &inv); err != nil {
				return err
			}

			// The raw token is shown exactly once; the server only keeps a hash.
			fmt.Printf("Invitation for %s expires %s\n", inv.Email, inv.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("Token: %s\n", inv.Token)
			return nil
		},
	}
	issueCmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "Token lifetime in hours (0 uses the server default)")
	cmd.AddCommand(issueCmd)
	return cmd
}

func policiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List scan policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			var policies []Policy
			if err := apiGet("/v1/policies", &policies); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tINTERVAL")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%dm\n", p.ID, p.Name, p.ScanIntervalMinutes)
			}
			w.Flush()
			return nil
		},
	}

	var interval int
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a scan policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": args[0], "scan_interval_minutes": interval}
			var policy Policy
			if err := apiDo(http.MethodPost, "/v1/policies", body, &policy); err != nil {
				return err
			}
			fmt.Printf("Policy %s created (%s, every %dm)\n", policy.ID, policy.Name, policy.ScanIntervalMinutes)
			return nil
		},
	}
	createCmd.Flags().IntVar(&interval, "interval", 60, "Scan interval in minutes")
	cmd.AddCommand(createCmd)

	var newInterval int
	updateCmd := &cobra.Command{
		Use:   "set-interval [policy-id]",
		Short: "Change a policy's scan interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"scan_interval_minutes": newInterval}
			if err := apiDo(http.MethodPut, "/v1/policies/"+args[0], body, nil); err != nil {
				return err
			}
			fmt.Println("Policy updated")
			return nil
		},
	}
	updateCmd.Flags().IntVar(&newInterval, "interval", 60, "New scan interval in minutes")
	cmd.AddCommand(updateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm [policy-id]",
		Short: "Delete a policy (machines keep running, unmonitored)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDo(http.MethodDelete, "/v1/policies/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Policy %s deleted\n", args[0])
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetmon version %s\n", Version)
		},
	}
}

func apiGet(path string, out any) error {
	return apiDo(http.MethodGet, path, nil, out)
}

func apiDo(method, path string, body, out any) error {
	if managerID == "" {
		return fmt.Errorf("manager id required: pass --manager or set FLEETMON_MANAGER_ID")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Manager-ID", managerID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
