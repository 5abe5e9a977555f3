// Package serve implements the `driftkv serve` command: it assembles the
// engine, mesh, sync manager and HTTP façade from the configuration and runs
// them until the process is stopped.
package serve

import (
	"fmt"
	"strings"
	"time"

	cmdUtil "github.com/driftkv/driftkv/cmd/util"
	"github.com/driftkv/driftkv/lib/common"
	"github.com/driftkv/driftkv/lib/engine"
	"github.com/driftkv/driftkv/lib/gossip"
	"github.com/driftkv/driftkv/lib/mesh"
	driftHttp "github.com/driftkv/driftkv/rpc/http"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	serveCmdConfig = &common.NodeConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a driftKV node",
		Long:    `Start a driftKV node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRIFTKV_<flag> (e.g. DRIFTKV_MESH_PORT=9090)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().Uint32(key, 0, cmdUtil.WrapString("Unique identifier of this node in the cluster (required, non-zero)"))

	key = "wal-path"
	ServeCmd.PersistentFlags().String(key, "data.wal", cmdUtil.WrapString("Path of the write-ahead log file. The file is created if it does not exist and replayed on startup"))

	key = "shards"
	ServeCmd.PersistentFlags().Uint32(key, 64, cmdUtil.WrapString("Number of engine shards. Each shard owns a disjoint partition of the keyspace under its own lock"))

	key = "mesh-port"
	ServeCmd.PersistentFlags().Int(key, 9090, cmdUtil.WrapString("TCP port of the peer mesh transport"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of peers in the format id:host:port (e.g. '2:localhost:9091,3:localhost:9092')"))

	key = "sync-interval-ms"
	ServeCmd.PersistentFlags().Uint32(key, 2000, cmdUtil.WrapString("Milliseconds between anti-entropy gossip ticks"))

	key = "simulated-latency-ms"
	ServeCmd.PersistentFlags().Uint32(key, 0, cmdUtil.WrapString("Artificial delay applied to every outbound mesh frame (testing only, 0 = off)"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the HTTP API will listen"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the node configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.NodeID = viper.GetUint32("node-id")
	serveCmdConfig.WALPath = viper.GetString("wal-path")
	serveCmdConfig.Shards = viper.GetUint32("shards")
	serveCmdConfig.MeshPort = viper.GetInt("mesh-port")
	serveCmdConfig.SyncIntervalMs = viper.GetUint32("sync-interval-ms")
	serveCmdConfig.SimulatedLatencyMs = viper.GetUint32("simulated-latency-ms")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	peers, err := common.ParsePeers(viper.GetString("peers"))
	if err != nil {
		return err
	}
	serveCmdConfig.Peers = peers

	return serveCmdConfig.Validate()
}

// run starts the node and blocks until a fatal error
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(*serveCmdConfig)
	log := logger.GetLogger("serve")

	log.Infof("starting driftKV node %d%s", serveCmdConfig.NodeID, serveCmdConfig.String())

	metrics := common.NewMetrics()

	// Storage engine (replays the WAL; open failure is fatal)
	e, err := engine.Open(engine.Options{
		NodeID:  serveCmdConfig.NodeID,
		WALPath: serveCmdConfig.WALPath,
		Shards:  serveCmdConfig.Shards,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("engine startup failed: %v", err)
	}
	defer e.Close()

	// Peer mesh (bind failure is fatal)
	m := mesh.New(mesh.NodeID(serveCmdConfig.NodeID), serveCmdConfig.MeshPort, metrics)
	if serveCmdConfig.SimulatedLatencyMs > 0 {
		m.SetSimulatedLatency(time.Duration(serveCmdConfig.SimulatedLatencyMs) * time.Millisecond)
	}
	if err := m.Listen(); err != nil {
		return err
	}
	defer m.Close()

	// Anti-entropy manager receives all mesh traffic
	syncMgr := gossip.NewManager(
		m, e, serveCmdConfig.NodeID,
		time.Duration(serveCmdConfig.SyncIntervalMs)*time.Millisecond,
		metrics,
	)
	m.SetOnMessage(syncMgr.OnMessage)

	// Outbound connections: a failed dial is not fatal, anti-entropy picks
	// the peer up once it dials us
	for _, p := range serveCmdConfig.Peers {
		if err := m.Connect(mesh.NodeID(p.ID), p.Host, p.Port); err != nil {
			log.Warningf("peer %d unreachable: %v", p.ID, err)
		}
	}

	syncMgr.Start()
	defer syncMgr.Stop()

	var group errgroup.Group
	group.Go(func() error {
		return driftHttp.NewServer(e, serveCmdConfig.Endpoint, strings.EqualFold(serveCmdConfig.LogLevel, "debug")).ListenAndServe()
	})

	return group.Wait()
}

// initConfig reads in the env files and initializes viper
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("driftkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
