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
	"transcodefs/internal/factory"
	"transcodefs/internal/hostfs"
	"transcodefs/internal/pipeline"
	"transcodefs/internal/walk"
)

var serveNFSFlags *config.FlagSet
var serveNFSAddr string

var serveNFSCmd = &cobra.Command{
	Use:   "serve-nfs [base]",
	Short: "Serve a transcoding view of a directory over NFSv3",
	Long: `Serves the same virtual tree mount builds, over NFSv3 instead of FUSE,
for hosts where a FUSE mount isn't available (notably macOS).`,
	Args: cobra.RangeArgs(0, 1),
	RunE: runServeNFS,
}

func init() {
	rootCmd.AddCommand(serveNFSCmd)
	fs := serveNFSCmd.Flags()
	serveNFSFlags = config.NewFlagSet(fs)
	fs.StringVar(&serveNFSAddr, "addr", "127.0.0.1:0", "address to listen on")
}

func runServeNFS(cmd *cobra.Command, args []string) error {
	cfg, err := serveNFSFlags.Load(args, log.StandardLogger())
	if err != nil {
		return fmt.Errorf("parsing serve-nfs options: %w", err)
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
			log.WithError(err).Warn("serve-nfs: startup reconciliation failed")
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

	server, err := hostfs.NewNFSServer(core, serveNFSAddr)
	if err != nil {
		return err
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve() }()

	fmt.Printf("serving %s over NFS at %s\n", cfg.Base, server.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info("serve-nfs: shutting down")
		return server.Shutdown()
	case err := <-serveErrCh:
		return err
	}
}
