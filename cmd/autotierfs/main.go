// The autotierfs daemon mounts the tiered filesystem and runs the tiering
// and control threads until unmounted or signalled.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/control"
	"github.com/autotier/autotier/internal/engine"
	"github.com/autotier/autotier/internal/fuse"
	"github.com/autotier/autotier/internal/logger"
	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/metrics"
	"github.com/autotier/autotier/internal/tier"
)

const defaultConfigPath = "/etc/autotier.conf"

func main() {
	var (
		configPath   string
		quiet        bool
		verbose      bool
		showVersion  bool
		mountOptions []string
	)

	root := &cobra.Command{
		Use:   "autotierfs <mountpoint>",
		Short: "Mount an automatic tiering filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println("autotier " + control.Version)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("a mountpoint is required")
			}
			levelOverride := -1
			if quiet {
				levelOverride = 0
			} else if verbose {
				levelOverride = 2
			}
			return run(configPath, args[0], mountOptions, levelOverride)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	root.Flags().BoolVarP(&quiet, "quiet", "q", false, "log warnings and errors only")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Flags().BoolVarP(&showVersion, "version", "V", false, "print version and exit")
	root.Flags().StringSliceVarP(&mountOptions, "options", "o", nil, "mount options passed to the driver")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "autotierfs:", err)
		os.Exit(1)
	}
}

func run(configPath, mountPoint string, mountOptions []string, levelOverride int) error {
	bootLog, sink := logger.New(1)

	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		return err
	}
	if levelOverride >= 0 {
		cfg.LogLevel = levelOverride
	}
	log, sink := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	tiers := make([]*tier.Tier, 0, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		t, err := tier.New(tc)
		if err != nil {
			return err
		}
		tiers = append(tiers, t)
		log.Debugf("tier %s: path %s, quota %s", t.ID(), t.Path(), fmtQuota(t))
	}

	store, err := metastore.Open(filepath.Join(cfg.RunPath, "db"))
	if err != nil {
		return err
	}
	defer store.Close()

	conflicts := tier.NewConflictLog(cfg.RunPath)
	collector := metrics.New()
	openFiles := fuse.NewOpenFileSet()

	eng := engine.New(cfg, tiers, store, conflicts, collector, openFiles.IsOpen, log)
	dispatcher := fuse.NewDispatcher(tiers, store, openFiles, eng,
		fuse.Config{StrictPeriod: cfg.StrictPeriod}, collector, log)

	server, err := control.NewServer(cfg, eng, store, collector, mountPoint, log)
	if err != nil {
		return err
	}

	go eng.Run()
	go server.Run()

	mount := fuse.NewMount(dispatcher, log)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("received %s, unmounting", sig)
		if err := mount.Unmount(); err != nil {
			log.Warnf("unmount: %v", err)
		}
	}()

	// stdout goes away once the daemon is mounted and detached
	if err := sink.SwitchToSyslog(); err != nil {
		log.Warnf("cannot switch to syslog, staying on stdout: %v", err)
	}

	serveErr := mount.Serve(mountPoint, mountOptions)

	eng.Stop()
	server.Stop()
	return serveErr
}

func fmtQuota(t *tier.Tier) string {
	return fmt.Sprintf("%.2f%% (%d bytes)", t.QuotaPercent(), t.QuotaBytes())
}
