// Package agent implements the OpenAerie node agent.
// It heartbeats to the server data-plane, polls for desired configuration,
// applies new revisions to the local engine config file, and reports the
// outcome back. Authentication is the node's own token carried in every
// request.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vesaa/openaerie/internal/config"
)

const agentVersion = "v0.1.0"

// desiredState mirrors the server's desired-config response.
type desiredState struct {
	NodeID                string         `json:"node_id"`
	DesiredConfigRevision int            `json:"desired_config_revision"`
	AppliedConfigRevision int            `json:"applied_config_revision"`
	DesiredConfig         map[string]any `json:"desired_config"`
}

// Run starts the agent main loop: heartbeat, poll, apply, report.
//
// cfg.AgentJoinAddr is the data-plane address, e.g. "192.168.1.1:1700".
// cfg.AgentNodeToken is the node's credential, issued at node creation.
func Run(cfg *config.Config) error {
	if cfg.AgentNodeToken == "" {
		return fmt.Errorf("agent_node_token is required (set it in config or via --token)")
	}

	base := fmt.Sprintf("http://%s", cfg.AgentJoinAddr)
	client := &http.Client{Timeout: 15 * time.Second}
	collector := NewCollector()

	appliedRevision := 0
	interval := time.Duration(cfg.AgentInterval) * time.Second

	fmt.Printf("[agent] joined %s, polling every %ds. Press Ctrl+C to stop.\n", base, cfg.AgentInterval)
	for {
		cycle(cfg, client, collector, base, &appliedRevision)
		time.Sleep(interval)
	}
}

func cycle(cfg *config.Config, client *http.Client, collector *Collector, base string, appliedRevision *int) {
	awg2Ver := detectVersion(cfg.Awg2VersionCommand)
	singboxVer := detectVersion(cfg.SingboxVersionCommand)

	hb := map[string]any{
		"node_token":             cfg.AgentNodeToken,
		"engine_awg2_version":    awg2Ver,
		"engine_singbox_version": singboxVer,
	}
	if err := postJSON(client, base+"/api/agent/heartbeat", hb); err != nil {
		fmt.Printf("[agent] heartbeat error: %v\n", err)
		return
	}

	state, err := fetchDesired(client, base, cfg.AgentNodeToken)
	if err != nil {
		fmt.Printf("[agent] desired-config error: %v\n", err)
		return
	}

	if state.DesiredConfigRevision <= *appliedRevision {
		return
	}

	outcome := "success"
	details := map[string]any{"agent_version": agentVersion}
	if snap, err := collector.Collect(); err == nil {
		details["system"] = snap
	}

	if err := applyConfig(cfg, state.DesiredConfig); err != nil {
		outcome = fmt.Sprintf("apply_failed: %v", err)
		details["error"] = err.Error()
		fmt.Printf("[agent] apply revision %d failed: %v\n", state.DesiredConfigRevision, err)
	} else {
		*appliedRevision = state.DesiredConfigRevision
		fmt.Printf("[agent] applied revision %d\n", state.DesiredConfigRevision)
	}

	report := map[string]any{
		"node_token":              cfg.AgentNodeToken,
		"applied_config_revision": state.DesiredConfigRevision,
		"status":                  outcome,
		"details":                 details,
	}
	if err := postJSON(client, base+"/api/agent/apply-result", report); err != nil {
		fmt.Printf("[agent] apply-result error: %v\n", err)
	}
}

func fetchDesired(client *http.Client, base, token string) (*desiredState, error) {
	resp, err := client.Get(base + "/api/agent/desired-config?node_token=" + token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	var state desiredState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

// applyConfig writes the desired config to the engine config path, keeping a
// backup of the previous file and restoring it if the write fails.
func applyConfig(cfg *config.Config, desired map[string]any) error {
	if _, err := os.Stat(cfg.AgentConfigPath); err == nil {
		if err := copyFile(cfg.AgentConfigPath, cfg.AgentBackupPath); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
	}

	raw, err := json.MarshalIndent(desired, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.AgentConfigPath, raw, 0o600); err != nil {
		if restoreErr := copyFile(cfg.AgentBackupPath, cfg.AgentConfigPath); restoreErr == nil {
			fmt.Printf("[agent] restored previous config after failed write\n")
		}
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// detectVersion runs a configured shell command and returns its first output
// line, trimmed to 64 chars.
func detectVersion(versionCommand string) string {
	if strings.TrimSpace(versionCommand) == "" {
		return "unknown"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", versionCommand)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "timeout"
		}
		return "unavailable"
	}
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(string(out)), "\n")[0])
	if line == "" {
		return "unknown"
	}
	if len(line) > 64 {
		return line[:64]
	}
	return line
}

// postJSON sends v as JSON via HTTP POST and checks for a 2xx response.
func postJSON(client *http.Client, url string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
