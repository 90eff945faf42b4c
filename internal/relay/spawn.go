package relay

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agenticmem/membridge/internal/core"
)

// AgentSpawner launches membridge-agentd for a page and leaves it running;
// the spawned process dials back and registers itself over the fabric.
type AgentSpawner struct {
	Bin        string
	RelayAddr  string
	ConfigPath string
	LogDir     string
	Logger     *slog.Logger
}

func (s *AgentSpawner) Spawn(tab core.Tab) (int, error) {
	bin := s.Bin
	if bin == "" {
		bin = defaultAgentBin()
	}

	args := []string{"--relay", s.RelayAddr, "--page", tab.URL, "--tab", string(tab.ID)}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}

	cmd := exec.Command(bin, args...)

	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err == nil {
			logFile := filepath.Join(s.LogDir, fmt.Sprintf("agent_%s.log", tab.ID))
			if out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				cmd.Stdout = out
				cmd.Stderr = out
				defer out.Close()
			}
		}
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", bin, err)
	}

	pid := cmd.Process.Pid
	s.Logger.Info("spawned content agent", "pid", pid, "url", tab.URL)

	// Reap in the background so a crashed agent does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

func defaultAgentBin() string {
	executablePath, err := os.Executable()
	if err != nil {
		return "membridge-agentd"
	}

	executableDir := filepath.Dir(executablePath)
	agentPath := filepath.Join(executableDir, "membridge-agentd")
	if _, err := os.Stat(agentPath); err == nil {
		return agentPath
	}

	return "membridge-agentd"
}
