package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"

	"github.com/fleetmon/fleetmon/pkg/config"
	"github.com/fleetmon/fleetmon/pkg/detect"
)

var (
	configPath  = flag.String("config", "/etc/fleetmon/agent.yaml", "Config file path")
	serverURL   = flag.String("server", "", "Server URL (overrides config)")
	enrollToken = flag.String("enroll", "", "One-time enrollment token")
	Version     = "dev"
)

// agentState is the on-disk identity written after a successful enrollment.
type agentState struct {
	MachineID  string `yaml:"machine_id"`
	HardwareID string `yaml:"hardware_id"`
	ServerURL  string `yaml:"server_url"`
}

type Agent struct {
	config    *config.AgentConfig
	client    *http.Client
	collector *collector
	retry     *retrier
	state     agentState
}

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("Fleetmon agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *enrollToken != "" {
		cfg.Server.EnrollToken = *enrollToken
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyAgentLogging(cfg.Logging)

	agent := &Agent{
		config: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeoutS) * time.Second,
		},
		collector: newCollector(),
		retry:     newRetrier(cfg.Server.Retry.InitialMs, cfg.Server.Retry.MaxMs, cfg.Server.Retry.MaxAttempts),
	}

	ctx := context.Background()
	if err := agent.loadOrEnroll(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity")
	}
	log.Info().Str("machine_id", agent.state.MachineID).Str("server", cfg.Server.URL).
		Int("poll_interval_s", cfg.Reporting.PollIntervalS).Msg("Agent initialized")

	// Refresh the inventory snapshot once per process start.
	if err := agent.pushInventory(ctx); err != nil {
		log.Warn().Err(err).Msg("Inventory refresh failed")
	}

	// Scan once immediately, then follow the server-side schedule.
	agent.scanAndReport(ctx)

	jitter := time.Duration(cfg.Reporting.JitterS) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.Reporting.PollIntervalS) * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if jitter > 0 {
			time.Sleep(time.Duration(mathrand.Int63n(int64(jitter))))
		}
		due, err := agent.scheduleDue(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Schedule poll failed")
			continue
		}
		if due {
			agent.scanAndReport(ctx)
		}
	}
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("FLEETMON_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = newAgentLogger(os.Getenv("FLEETMON_AGENT_LOG_FORMAT")).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func (a *Agent) loadOrEnroll(ctx context.Context) error {
	state, err := loadState(a.config.Server.StatePath)
	if err == nil && state.MachineID != "" {
		a.state = state
		log.Info().Str("machine_id", state.MachineID).Msg("Loaded existing identity")
		return nil
	}

	token, err := a.enrollmentToken()
	if err != nil {
		return err
	}
	log.Info().Msg("Enrolling new machine")
	return a.enroll(ctx, token)
}

// enrollmentToken resolves the one-time token from config, environment, or a
// token file, in that order.
func (a *Agent) enrollmentToken() (string, error) {
	if a.config.Server.EnrollToken != "" {
		return a.config.Server.EnrollToken, nil
	}
	if a.config.Server.EnrollTokenFile != "" {
		data, err := os.ReadFile(a.config.Server.EnrollTokenFile)
		if err != nil {
			return "", fmt.Errorf("reading enrollment token file: %w", err)
		}
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("no existing identity and no enrollment token provided")
}

func (a *Agent) enroll(ctx context.Context, token string) error {
	hardwareID, err := hardwareIdentifier(ctx)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()

	inventory, err := json.Marshal(a.collector.inventory(ctx))
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"token":       token,
		"password":    randomPassword(),
		"hostname":    hostname,
		"hardware_id": hardwareID,
		"inventory":   string(inventory),
	})

	var resp struct {
		MachineID string `json:"machine_id"`
	}
	if err := a.postJSON(ctx, "/v1/enroll", body, &resp); err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}
	if resp.MachineID == "" {
		return fmt.Errorf("enrollment response missing machine id")
	}

	a.state = agentState{
		MachineID:  resp.MachineID,
		HardwareID: hardwareID,
		ServerURL:  a.config.Server.URL,
	}
	if err := saveState(a.config.Server.StatePath, a.state); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}
	log.Info().Str("machine_id", resp.MachineID).Msg("Enrollment successful")
	return nil
}

func (a *Agent) pushInventory(ctx context.Context) error {
	inv := a.collector.inventory(ctx)
	body, err := json.Marshal(inv)
	if err != nil {
		return err
	}

	return a.retry.do("push inventory", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			a.endpoint("/v1/machines/"+a.state.MachineID+"/inventory"), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return a.doExpect(req, nil)
	}, transientHTTP)
}

func (a *Agent) scheduleDue(ctx context.Context) (bool, error) {
	var info struct {
		Monitored bool `json:"monitored"`
		Due       bool `json:"due"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.endpoint("/v1/agents/"+a.state.MachineID+"/schedule"), nil)
	if err != nil {
		return false, err
	}
	if err := a.doExpect(req, &info); err != nil {
		return false, err
	}
	return info.Monitored && info.Due, nil
}

func (a *Agent) scanAndReport(ctx context.Context) {
	perf := a.collector.performance(ctx)
	payload, err := json.Marshal(struct {
		MachineID     string              `json:"machine_id"`
		ScanTimestamp time.Time           `json:"scan_timestamp"`
		Performance   *detect.Performance `json:"performance"`
	}{a.state.MachineID, time.Now().UTC(), perf})
	if err != nil {
		log.Error().Err(err).Msg("Failed encoding scan")
		return
	}

	err = a.retry.do("submit scan", func() error {
		var resp struct {
			ScanID string `json:"scan_id"`
		}
		if err := a.postJSON(ctx, "/v1/scans", payload, &resp); err != nil {
			return err
		}
		log.Info().Str("scan_id", resp.ScanID).Msg("Scan accepted")
		return nil
	}, transientHTTP)
	if err != nil {
		log.Error().Err(err).Msg("Failed submitting scan")
	}
}

func (a *Agent) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.doExpect(req, out)
}

func (a *Agent) doExpect(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if busyStatus(resp.StatusCode) {
			return serverBusyError{code: resp.StatusCode}
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Agent) endpoint(path string) string {
	return strings.TrimRight(a.config.Server.URL, "/") + path
}

// hardwareIdentifier is the stable machine identity used for re-enrollment
// matching. The platform machine id survives hostname changes and reinstalls
// of the agent.
func hardwareIdentifier(ctx context.Context) (string, error) {
	id, err := host.HostIDWithContext(ctx)
	if err != nil || id == "" {
		return "", fmt.Errorf("could not determine hardware identifier: %w", err)
	}
	return id, nil
}

// randomPassword seeds the machine-local service account. Nothing interactive
// ever logs in with it; it only needs to be unguessable.
func randomPassword() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func loadState(path string) (agentState, error) {
	var state agentState
	data, err := os.ReadFile(path)
	if err != nil {
		return state, err
	}
	err = yaml.Unmarshal(data, &state)
	return state, err
}

func saveState(path string, state agentState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
