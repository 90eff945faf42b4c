package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/relay"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			foreground, _ := cmd.Flags().GetBool("foreground")
			relayBin, _ := cmd.Flags().GetString("relay-bin")
			pages, _ := cmd.Flags().GetStringArray("page")

			return startRelay(app.Config, app.ConfigPath, relayBin, pages, foreground)
		},
	}

	cmd.Flags().Bool("foreground", false, "run relay in foreground")
	cmd.Flags().String("relay-bin", "", "path to the relay binary")
	cmd.Flags().StringArray("page", nil, "page URL to pre-register (repeatable)")

	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			pidFile := filepath.Join(app.Config.DataDir, "relayd.pid")
			pid := relay.ReadPID(pidFile)
			if pid == 0 {
				fmt.Println(styleDim.Render("relay is not running"))
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return err
			}

			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("stop relay pid %d: %w", pid, err)
			}

			fmt.Println(styleSuccess.Render(fmt.Sprintf("stopped relay pid %d", pid)))
			return nil
		},
	}
}

func startRelay(cfg config.Config, configPath string, relayBin string, pages []string, foreground bool) error {
	if relayRunning(cfg.Relay.Bind) {
		fmt.Println("relay already running at", cfg.Relay.Bind)
		return nil
	}

	relayPath := relayBin
	if relayPath == "" {
		relayPath = defaultRelayBin()
	}

	relayCmd := exec.Command(relayPath)
	if configPath != "" {
		relayCmd.Args = append(relayCmd.Args, "--config", configPath)
	}
	for _, page := range pages {
		relayCmd.Args = append(relayCmd.Args, "--page", page)
	}

	if foreground {
		relayCmd.Stdout = os.Stdout
		relayCmd.Stderr = os.Stderr
		return relayCmd.Run()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	logFile := filepath.Join(cfg.DataDir, "relayd.log")
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	relayCmd.Stdout = out
	relayCmd.Stderr = out

	if err := relayCmd.Start(); err != nil {
		return err
	}

	fmt.Println("started relay pid", relayCmd.Process.Pid)
	return nil
}

func relayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// defaultRelayBin looks for membridge-relayd next to the CLI binary,
// falling back to PATH lookup.
func defaultRelayBin() string {
	executable, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(executable), "membridge-relayd")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "membridge-relayd"
}
