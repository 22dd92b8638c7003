package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"transcodefs/internal/cache"
	"transcodefs/internal/config"
	"transcodefs/internal/cwd"
	"transcodefs/internal/daemon"
	"transcodefs/internal/factory"
	"transcodefs/internal/hostfs"
	"transcodefs/internal/pipeline"
	"transcodefs/internal/util"
	"transcodefs/internal/walk"
)

var mountFlags *config.FlagSet
var mountAllowOther bool

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint> [base]",
	Short: "Mount a transcoding view of a directory over FUSE",
	Long: `Mounts a virtual tree, rooted at base (or the bare positional/--base argument),
at mountpoint. Files matching a --source/--target rule are transcoded on
demand through --pipeline; everything else passes through unchanged.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	fs := mountCmd.Flags()
	mountFlags = config.NewFlagSet(fs)
	fs.BoolVar(&mountAllowOther, "allow-other", false, "allow other users to access the mount (requires user_allow_other in /etc/fuse.conf)")
}

func runMount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]
	positional := args[1:]

	cfg, err := mountFlags.Load(positional, log.StandardLogger())
	if err != nil {
		return fmt.Errorf("parsing mount options: %w", err)
	}

	lock, err := daemon.AcquireMountLock(mountpoint)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}

	cwdLock, err := cwd.New()
	if err != nil {
		return fmt.Errorf("initializing working-directory lock: %w", err)
	}

	imageCache := cache.NewImageCache(cfg.CacheLimits, cfg.CachePersistDir, log.StandardLogger())
	imageCache.StartCuller()
	defer imageCache.Shutdown()

	if cfg.CachePersistDir != "" {
		filter := walk.NewFilter(cfg.IgnorePatterns)
		if err := imageCache.Reconcile(cfg.Base, filter); err != nil {
			log.WithError(err).Warn("mount: startup reconciliation failed")
		}
	}

	pipelineFactory := pipeline.NewExecFactory()
	f := factory.New(factory.Options{
		Base:           cfg.Base,
		ReadAheadLimit: cfg.ReadAheadLimit,
		TrueSize:       cfg.TrueSize,
	}, cfg.Mapping, imageCache, pipelineFactory, cwdLock, log.StandardLogger())
	defer f.Shutdown()

	var filter *walk.Filter
	if len(cfg.IgnorePatterns) > 0 {
		filter = walk.NewFilter(cfg.IgnorePatterns)
	}
	core := hostfs.New(cfg.Base, f, cfg.Mapping, filter, log.StandardLogger())

	server, err := hostfs.MountFUSE(hostfs.FuseOptions{
		Mountpoint: mountpoint,
		Core:       core,
		AllowOther: mountAllowOther,
	})
	if err != nil {
		return err
	}

	// Defensive readiness check: confirm the mountpoint is actually
	// reachable before reporting success.
	ready := util.PollUntil(cmd.Context(), util.FastPollConfig(), func() bool {
		_, statErr := os.Stat(mountpoint)
		return statErr == nil
	})
	if ready != nil {
		log.Warn("mount: mountpoint did not become ready within the poll window")
	}

	fmt.Printf("mounted %s at %s\n", cfg.Base, mountpoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("mount: shutting down")
	if err := server.Unmount(); err != nil {
		log.WithError(err).Warn("mount: unmount reported an error")
	}
	server.Wait()
	return nil
}
