// Package cli provides the command-line interface for iap-tunnel.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/treykane/iap-tunnel/internal/appconfig"
	"github.com/treykane/iap-tunnel/internal/config"
	"github.com/treykane/iap-tunnel/internal/doctor"
	"github.com/treykane/iap-tunnel/internal/events"
	"github.com/treykane/iap-tunnel/internal/gcloud"
	"github.com/treykane/iap-tunnel/internal/logging"
	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/tunnel"
	"github.com/treykane/iap-tunnel/internal/ui"
	"github.com/treykane/iap-tunnel/internal/util"
)

// app is the state every subcommand shares once the support dir is known.
type app struct {
	debug    bool
	dir      string
	cfg      appconfig.Config
	client   *gcloud.Client
	journal  *events.Store
	sup      *tunnel.Supervisor
	closeLog func() error
}

func (a *app) tunnelConfig() model.TunnelConfig {
	return config.Normalize(a.cfg.Tunnel)
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           util.AppName,
		Short:         "Keep a Cloud SQL IAP tunnel running through a bastion host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// The dashboard owns the terminal, so it logs to the file only.
			return a.init(cmd.HasParent())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return ui.Run(cmd.Context(), ui.Options{
				Supervisor:  a.sup,
				Preferences: a.cfg.Tunnel,
				SavePreferences: func(p model.Preferences) error {
					a.cfg.Tunnel = p
					return appconfig.Save(a.cfg)
				},
				Refresh: time.Duration(a.cfg.UI.RefreshSeconds) * time.Second,
			})
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newStatusCmd(a),
		newStartCmd(a),
		newStopCmd(a),
		newRestartCmd(a),
		newLogsCmd(a),
		newEventsCmd(a),
		newConfigCmd(a),
		newDoctorCmd(a),
	)
	return root
}

func (a *app) init(console bool) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return err
	}
	opts := logging.Options{
		Dir:        dir,
		Debug:      a.debug,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	if console {
		opts.Console = os.Stderr
	}
	closeLog, err := logging.Setup(opts)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.dir = dir
	a.closeLog = closeLog
	a.client = gcloud.New()
	a.journal = events.NewStore(dir)
	a.sup = tunnel.NewSupervisor(dir, a.client, tunnel.WithJournal(a.journal))
	slog.Debug("cli initialized", "support_dir", dir)
	return nil
}

// userError keeps typed tunnel errors readable on the terminal while the
// full detail goes to the diagnostic log.
func userError(err error) error {
	if err == nil {
		return nil
	}
	var te *tunnel.Error
	if !errors.As(err, &te) {
		return err
	}
	slog.Error("tunnel operation failed", "kind", te.Kind, "detail", tunnel.DebugMessage(err))
	return errors.New(tunnel.UserMessage(err, true))
}

func newStatusCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.tunnelConfig()
			info, err := a.sup.GetStatusInfo(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printStatus(cfg, info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printStatus(cfg model.TunnelConfig, info model.StatusInfo) {
	portState := "closed"
	if info.PortOpen {
		portState = "open"
	}
	pid := "-"
	if info.PID > 0 {
		pid = fmt.Sprintf("%d (running=%t)", info.PID, info.PIDRunning)
	}
	fmt.Printf("%-12s %s\n", "STATUS", tunnel.LabelForStatus(info.Status))
	fmt.Printf("%-12s %s (%s)\n", "LOCAL", util.LoopbackAddr(cfg.LocalPort), portState)
	fmt.Printf("%-12s %s:%d via %s/%s\n", "REMOTE", util.EmptyDash(cfg.DBPrivateIP), cfg.RemotePort, util.EmptyDash(cfg.BastionZone), util.EmptyDash(cfg.BastionInstance))
	fmt.Printf("%-12s %s\n", "PID", pid)
	fmt.Printf("%-12s %s\n", "LAST START", util.EmptyDash(info.LastStartAt))
	if info.LogTail != "" {
		fmt.Println()
		fmt.Println("recent log:")
		for _, line := range strings.Split(info.LogTail, "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.startAndReport(cmd.Context(), a.sup.Start)
		},
	}
}

func newRestartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.startAndReport(cmd.Context(), a.sup.Restart)
		},
	}
}

func (a *app) startAndReport(ctx context.Context, op func(context.Context, model.TunnelConfig) error) error {
	cfg := a.tunnelConfig()
	if err := op(ctx, cfg); err != nil {
		return userError(err)
	}
	info, err := a.sup.GetStatusInfo(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("tunnel %s on %s", strings.ToLower(tunnel.LabelForStatus(info.Status)), util.LoopbackAddr(cfg.LocalPort))
	if info.PID > 0 {
		fmt.Printf(" pid=%d", info.PID)
	}
	fmt.Println()
	if info.Status == model.StatusError {
		fmt.Printf("see `%s logs` for details\n", util.AppName)
	}
	return nil
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.tunnelConfig()
			if err := a.sup.Stop(cmd.Context(), cfg); err != nil {
				return userError(err)
			}
			fmt.Printf("tunnel stopped on %s\n", util.LoopbackAddr(cfg.LocalPort))
			return nil
		},
	}
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		lines  int
		open   bool
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the tunnel process output",
		RunE: func(cmd *cobra.Command, args []string) error {
			if open {
				return a.sup.OpenLogFile(cmd.Context())
			}
			if lines <= 0 {
				return fmt.Errorf("--lines must be positive")
			}
			if tail := a.sup.ReadLogTail(lines); tail != "" {
				fmt.Println(tail)
			}
			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.sup.FollowLog(ctx, os.Stdout)
		},
	}
	cmd.Flags().IntVar(&lines, "lines", util.LogTailLines, "number of non-blank lines to show")
	cmd.Flags().BoolVar(&open, "open", false, "open the log in the system viewer")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new output")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var (
		eventType string
		limit     int
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			evts, err := a.journal.Read(events.Query{EventType: eventType, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(evts)
			}
			fmt.Printf("%-25s %-16s %-13s %-8s %s\n", "TIME", "EVENT", "STATUS", "PID", "MESSAGE")
			for _, e := range evts {
				pid := "-"
				if e.PID > 0 {
					pid = fmt.Sprint(e.PID)
				}
				fmt.Printf("%-25s %-16s %-13s %-8s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, util.EmptyDash(string(e.Status)), pid, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most the newest N events (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Show or change preferences"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.FilePath()
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s", path, b)
			return nil
		},
	}

	set := &cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Set one tunnel preference",
		Args:      cobra.ExactArgs(2),
		ValidArgs: appconfig.PreferenceKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.SetPreference(args[0], args[1]); err != nil {
				return err
			}
			if err := appconfig.Save(a.cfg); err != nil {
				return err
			}
			fmt.Printf("%s = %q\n", args[0], args[1])
			return nil
		},
	}

	root.AddCommand(show, set)
	return root
}

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run(cmd.Context(), doctor.Input{
				Dir:         a.dir,
				Preferences: a.cfg.Tunnel,
				Client:      a.client,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if len(report.Issues) == 0 {
				fmt.Println("no issues found")
			} else {
				for _, issue := range report.Issues {
					fmt.Printf("[%s] %s %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, tunnel.RedactMessage(issue.Message))
					fmt.Printf("       %s\n", issue.Recommendation)
				}
			}
			if report.HasHigh() {
				return errors.New("doctor found blocking issues")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
