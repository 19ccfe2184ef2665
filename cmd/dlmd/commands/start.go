package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/marmos91/godlm/internal/dlm/dlmmetrics"
	"github.com/marmos91/godlm/internal/dlmconfig"
	"github.com/marmos91/godlm/internal/logger"
	"github.com/marmos91/godlm/internal/membership"
	"github.com/marmos91/godlm/pkg/dlm"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the godlm node",
	Long: `Start a godlm node: join the configured lockspace, open the cluster
transport, and (unless disabled) serve Prometheus metrics and a health
endpoint.

Use --config to point at a configuration file, or rely on the default
search path at $XDG_CONFIG_HOME/godlm/config.yaml plus DLM_* environment
variable overrides.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := dlmconfig.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	runID := uuid.New().String()
	logger.Info("dlmd starting", logger.RunID(runID), logger.NodeID(cfg.NodeID), logger.Lockspace(cfg.Lockspace))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv, err := buildMembershipDriver(cfg.Membership)
	if err != nil {
		return fmt.Errorf("failed to build membership driver: %w", err)
	}

	peers, err := parsePeers(cfg.Transport.Peers)
	if err != nil {
		return fmt.Errorf("invalid peer configuration: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := dlmmetrics.New(reg)

	ls, err := dlm.New(dlm.Options{
		Name:       cfg.Lockspace,
		NodeID:     cfg.NodeID,
		ListenAddr: cfg.Transport.ListenAddr,
		Peers:      peers,
		Membership: drv,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create lockspace: %w", err)
	}

	var metricsDone chan error
	if cfg.Metrics.Enabled {
		srv := newMetricsServer(cfg.Metrics.ListenAddr, ls, reg)
		metricsDone = make(chan error, 1)
		go func() { metricsDone <- srv.Start(ctx) }()
	} else {
		logger.Info("metrics server disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("dlmd is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-metricsDone:
		if err != nil {
			logger.Error("metrics server error", logger.Err(err))
		}
	}

	cancel()
	if metricsDone != nil {
		<-metricsDone
	}

	// force=2 always releases this node's locks on shutdown; a graceful
	// stop is not the place to refuse because resources still exist
	// elsewhere in the lockspace (force 0/1 are for operator-invoked
	// drains, not process exit).
	closeDone := make(chan error, 1)
	go func() { closeDone <- ls.Close(2) }()

	select {
	case err := <-closeDone:
		if err != nil {
			logger.Error("lockspace shutdown error", logger.Err(err))
			return err
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("lockspace shutdown exceeded timeout, exiting anyway", logger.DurationMs(float64(cfg.ShutdownTimeout.Milliseconds())))
	}
	logger.Info("dlmd stopped gracefully")
	return nil
}

// buildMembershipDriver constructs the configured membership.Driver. A
// "static" driver with no seed members relies entirely on directory
// lookups (see resolveMaster's first-requester-becomes-master behavior)
// rather than a cluster-wide membership roster.
func buildMembershipDriver(cfg dlmconfig.MembershipConfig) (membership.Driver, error) {
	switch cfg.Driver {
	case "file":
		if cfg.MembershipFile == "" {
			return nil, fmt.Errorf("membership.driver=file requires membership_file")
		}
		return membership.NewFileWatchDriver(cfg.MembershipFile)
	case "static", "":
		return membership.NewStaticDriver(8), nil
	default:
		return nil, fmt.Errorf("unknown membership driver %q", cfg.Driver)
	}
}

// parsePeers converts the string-keyed peer map loaded from YAML (map keys
// must be strings for viper/mapstructure) into the uint16 node ids
// dlm.Options.Peers expects.
func parsePeers(raw map[string]string) (map[uint16]string, error) {
	peers := make(map[uint16]string, len(raw))
	for idStr, addr := range raw {
		id, err := strconv.ParseUint(idStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("peer node id %q: %w", idStr, err)
		}
		peers[uint16(id)] = addr
	}
	return peers, nil
}
