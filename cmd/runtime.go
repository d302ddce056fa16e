package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/host"
	"github.com/moziai/mozi/internal/runtimectl"
)

func runtimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Control the runtime host process",
	}
	cmd.AddCommand(
		runtimeStartCmd(),
		runtimeStopCmd(),
		runtimeRestartCmd(),
		runtimeStatusCmd(),
		runtimeInstallCmd(),
		runtimeUninstallCmd(),
		runtimeLogsCmd(),
	)
	return cmd
}

func runtimeStartCmd() *cobra.Command {
	var daemon, foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the runtime host",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			configDir := config.Dir(path)

			if pid, running := runtimectl.Status(config.PIDPath(configDir)); running {
				return fmt.Errorf("runtime already running (pid %d)", pid)
			}

			if daemon && !runtimectl.IsDaemonChild() {
				childArgs := []string{"runtime", "start", "--foreground", "--config", path}
				if verbose {
					childArgs = append(childArgs, "--verbose")
				}
				pid, err := runtimectl.Daemonize(childArgs, config.LogPath(configDir))
				if err != nil {
					return err
				}
				fmt.Printf("runtime started (pid %d)\n", pid)
				return nil
			}
			_ = foreground // the default; the flag exists to make intent explicit

			return runForeground(path)
		},
	}
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "detach and run in the background")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "stay attached to the terminal")
	return cmd
}

// runForeground runs the host until signalled, looping on /restart.
func runForeground(path string) error {
	for {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		h, err := host.New(host.Options{ConfigPath: path, Log: log})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err = h.Run(ctx)
		stop()

		if errors.Is(err, host.ErrRestartRequested) {
			log.Info("runtime: restarting")
			continue
		}
		return err
	}
}

func runtimeStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the runtime host",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := config.PIDPath(config.Dir(configPath()))
			if err := runtimectl.Stop(pidPath, 15*time.Second); err != nil {
				return err
			}
			fmt.Println("runtime stopped")
			return nil
		},
	}
}

func runtimeRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the runtime host",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			configDir := config.Dir(path)
			pidPath := config.PIDPath(configDir)

			if _, running := runtimectl.Status(pidPath); running {
				if err := runtimectl.Stop(pidPath, 15*time.Second); err != nil {
					return err
				}
			}
			childArgs := []string{"runtime", "start", "--foreground", "--config", path}
			pid, err := runtimectl.Daemonize(childArgs, config.LogPath(configDir))
			if err != nil {
				return err
			}
			fmt.Printf("runtime restarted (pid %d)\n", pid)
			return nil
		},
	}
}

func runtimeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the runtime host is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := config.PIDPath(config.Dir(configPath()))
			pid, running := runtimectl.Status(pidPath)
			if running {
				fmt.Printf("runtime running (pid %d)\n", pid)
				return nil
			}
			fmt.Println("runtime not running")
			return nil
		},
	}
}

func runtimeInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install a user-level service definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := runtimectl.InstallService(configPath())
			if err != nil {
				return err
			}
			fmt.Printf("service installed at %s\n", dest)
			return nil
		},
	}
}

func runtimeUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the user-level service definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := runtimectl.UninstallService()
			if err != nil {
				return err
			}
			fmt.Printf("service removed from %s\n", dest)
			return nil
		},
	}
}

func runtimeLogsCmd() *cobra.Command {
	var lines int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the runtime log",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath := config.LogPath(config.Dir(configPath()))

			tail, err := runtimectl.TailLog(logPath, lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Println(line)
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = runtimectl.FollowLog(ctx, logPath, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep streaming appended log lines")
	return cmd
}
