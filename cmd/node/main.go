// Command node runs one replicated-keyspace storage node: WAL, keyspace,
// dedup cache, cluster health table, replication coordinator, compactor,
// and the HTTP transport binding them together. Bootstrap sequencing is
// grounded on the reference storage node's cmd/storage/main.go (logger
// init -> config load -> service init -> recovery -> serve -> graceful
// shutdown on signal); the flag/env/config-file resolution is grounded on
// dKV's cmd/serve/root.go (cobra persistent flags bound through viper,
// with .env loaded via godotenv before viper.AutomaticEnv()).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/compaction"
	"github.com/devrev/replicatedkv/node/internal/config"
	"github.com/devrev/replicatedkv/node/internal/dedup"
	"github.com/devrev/replicatedkv/node/internal/diskguard"
	"github.com/devrev/replicatedkv/node/internal/facade"
	"github.com/devrev/replicatedkv/node/internal/health"
	"github.com/devrev/replicatedkv/node/internal/keyspace"
	"github.com/devrev/replicatedkv/node/internal/logging"
	"github.com/devrev/replicatedkv/node/internal/metrics"
	"github.com/devrev/replicatedkv/node/internal/replication"
	httptransport "github.com/devrev/replicatedkv/node/internal/transport/http"
	"github.com/devrev/replicatedkv/node/internal/wal"
)

var rootCmd = &cobra.Command{
	Use:     "node",
	Short:   "Run a replicated-keyspace storage node",
	PreRunE: bindFlags,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the node's YAML config file")
	rootCmd.PersistentFlags().String("node-id", "", "overrides server.node_id from the config file")
	rootCmd.PersistentFlags().Int("port", 0, "overrides server.port from the config file")
	rootCmd.PersistentFlags().String("log-level", "", "overrides logging.level from the config file")
}

// bindFlags wires every persistent flag into viper so REPLICATEDKV_*
// environment variables and CLI flags resolve the same way.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.PersistentFlags())
}

// initViper loads .env files (if present) then enables environment
// variable overrides under the REPLICATEDKV_ prefix.
func initViper() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("replicatedkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting node",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("role", cfg.Replication.Role),
		zap.Int("port", cfg.Server.Port))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	guard := diskguard.New(diskguard.DefaultConfig(cfg.Storage.DataDir), logger)

	w, err := wal.Open(cfg.Storage.DataDir, cfg.WAL.MaxSegmentSize, logger, guard)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	ks := keyspace.New(cfg.Keyspace.HistoryRetention)
	if err := facade.ReplayInto(w, ks, logger); err != nil {
		return fmt.Errorf("replay wal into keyspace: %w", err)
	}

	dedupCache := dedup.New(cfg.Dedup.MaxCacheSize, cfg.Dedup.TTL, logger)

	peers := make(map[string]string, len(cfg.Replication.Peers))
	for _, p := range cfg.Replication.Peers {
		peers[p.ID] = p.URL
	}

	healthTable, err := health.New(health.Config{
		SelfID:           cfg.Server.NodeID,
		BindPort:         cfg.Server.Port + 1,
		HeartbeatTimeout: cfg.Health.HeartbeatTimeout,
	}, peers, logger)
	if err != nil {
		return fmt.Errorf("init health table: %w", err)
	}
	defer healthTable.Shutdown()

	replCoordinator := replication.New(replication.Config{
		Role:      cfg.Replication.Role,
		LeaderURL: cfg.Replication.LeaderURL,
	}, w, ks, healthTable, logger)

	compactor := compaction.New(w, logger, cfg.Compaction.MinInterval)
	compactor.Configure(cfg.Compaction.Enabled, cfg.Compaction.Interval)

	m := metrics.New(cfg.Server.NodeID)

	svc := facade.New(cfg.Replication.Role, w, ks, dedupCache, healthTable, replCoordinator, compactor, m, logger)

	stop := make(chan struct{})
	go dedupCache.RunSweeper(cfg.Dedup.TTL, stop)
	go healthTable.RunSweeper(cfg.Health.HeartbeatInterval, stop)
	go compactor.RunScheduled(stop)
	go runHeartbeatLoop(svc, cfg, stop)

	server := httptransport.NewServer(httptransport.Config{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}, svc, guard, logger)
	server.Start()

	waitForShutdown(logger)

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http transport shutdown failed", zap.Error(err))
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if id := viper.GetString("node-id"); id != "" {
		cfg.Server.NodeID = id
	}
	if port := viper.GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
}

// runHeartbeatLoop periodically pushes this node's heartbeat to every
// configured peer, including ones currently marked down.
func runHeartbeatLoop(svc *facade.Facade, cfg *config.Config, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.Health.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			svc.SendHeartbeats(cfg.Server.NodeID, sendHeartbeat)
		}
	}
}

// sendHeartbeat POSTs this node's id to a peer's /internal/heartbeat
// endpoint, matching the wire shape internal/transport/http expects.
func sendHeartbeat(peerURL, selfID string) error {
	body := fmt.Sprintf(`{"peer_id":%q,"timestamp":%d}`, selfID, time.Now().Unix())
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(peerURL+"/internal/heartbeat", "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat to %s failed: status %d", peerURL, resp.StatusCode)
	}
	return nil
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))
}
