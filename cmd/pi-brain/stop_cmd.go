package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/config"
)

func stopCmd() *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal a running daemon to shut down",
		Long: `Reads the PID file written by 'pi-brain start' and sends SIGTERM,
then waits for the process to exit (it drains in-flight analyses and
checkpoints the database before exiting — see 'pi-brain start').`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(timeoutSeconds)
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 30, "Seconds to wait for the daemon to exit")
	return cmd
}

func runStop(timeoutSeconds int) error {
	pid, err := readPidFile()
	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to pid %d, waiting for shutdown...\n", pid)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("Stopped.")
			return nil
		}
		time.Sleep(300 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not exit within %ds", timeoutSeconds)
}

func readPidFile() (int, error) {
	data, err := os.ReadFile(config.PidPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no pid file at %s — is the daemon running?", config.PidPath())
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}
