// ============================================================================
// spinal CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra 指令列介面，啟動 broker 或對執行中的叢集發出查詢
//
// Command Structure:
//   spinal                         # Root command
//   ├── broker                     # 啟動 broker（路由 + 任務佇列）
//   │   ├── --config, -c          # YAML 配置檔
//   │   ├── --port                # 覆寫監聽埠
//   │   ├── --store               # redis://、file:///、memory:// store URL
//   │   └── --admin               # /metrics 與 /health 的 HTTP 位址
//   ├── call <ns.method>           # 透過 $cli 節點呼叫方法
//   │   ├── --data, -d            # JSON 輸入
//   │   └── --timeout             # 呼叫逾時
//   ├── nodes                      # 列出可見節點
//   ├── queue                      # 任務佇列統計
//   └── --broker                   # broker 位址（預設 $SPINAL_BROKER 或 127.0.0.1:7557）
//
// Configuration:
//   YAML 配置檔只有 broker 指令會讀取，旗標優先於配置檔：
//
//     broker:
//       address: ":7557"
//       admin_address: ":9090"
//       sweep_interval: 250ms
//       heartbeat_timeout_multiplier: 3
//     queue:
//       concurrency: 16
//       default_ttl: 30s
//       retention: 24h
//     store:
//       url: "redis://127.0.0.1:6379/0"
//     log:
//       level: info
//
// Logging:
//   所有指令輸出 JSON 日誌到 stderr，level 欄位以 `severity` 表示。
//
// Signal Handling:
//   broker 收到 SIGINT / SIGTERM 後：
//   1. 停止接受新的節點與任務
//   2. 停止任務派發，等待進行中的投遞
//   3. 關閉 gRPC 與 admin HTTP server
//   4. 關閉 store
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/spinal/internal/broker"
	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/internal/node"
	"github.com/ChuLiYu/spinal/internal/queue"
	"github.com/ChuLiYu/spinal/internal/transport"
	"github.com/ChuLiYu/spinal/pkg/types"
)

// Version 由建置時的 -ldflags 覆寫
var Version = "dev"

const (
	defaultBrokerAddr = "127.0.0.1:7557"
	cliNamespace      = "$cli"
	shutdownTimeout   = 10 * time.Second
	requestTimeout    = 5 * time.Second
)

// Config represents the broker configuration file
// Maps config file fields through YAML tags
type Config struct {
	Broker struct {
		Address                    string        `yaml:"address"`
		AdminAddress               string        `yaml:"admin_address"`
		SweepInterval              time.Duration `yaml:"sweep_interval"`
		HeartbeatTimeoutMultiplier int           `yaml:"heartbeat_timeout_multiplier"`
		MaxMessageSize             int           `yaml:"max_message_size"`
	} `yaml:"broker"`

	Queue struct {
		Prefix           string        `yaml:"prefix"`
		Concurrency      int           `yaml:"concurrency"`
		DefaultTTL       time.Duration `yaml:"default_ttl"`
		TTLBuffer        time.Duration `yaml:"ttl_buffer"`
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
		Retention        time.Duration `yaml:"retention"`
	} `yaml:"queue"`

	Store struct {
		URL string `yaml:"url"`
	} `yaml:"store"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// BrokerConfig 轉換成 broker.Config；Store 由呼叫端開啟
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		Address:                    c.Broker.Address,
		AdminAddress:               c.Broker.AdminAddress,
		SweepInterval:              c.Broker.SweepInterval,
		HeartbeatTimeoutMultiplier: c.Broker.HeartbeatTimeoutMultiplier,
		MaxMessageSize:             c.Broker.MaxMessageSize,
		Queue: queue.Config{
			Prefix:           c.Queue.Prefix,
			Concurrency:      c.Queue.Concurrency,
			DefaultTTL:       c.Queue.DefaultTTL,
			TTLBuffer:        c.Queue.TTLBuffer,
			DispatchInterval: c.Queue.DispatchInterval,
			Retention:        c.Queue.Retention,
		},
	}
}

type options struct {
	configFile string
	brokerAddr string
	logLevel   string
}

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "spinal",
		Short: "spinal: namespaced RPC between services",
		Long: `spinal connects services that provide and call namespaced methods:
- broker-based routing with heartbeat liveness
- round-robin across providers of a method
- response caching
- a durable job queue with retries and backoff`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), level))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.brokerAddr, "broker", envBroker(), "broker address host:port")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildBrokerCommand(opts))
	rootCmd.AddCommand(buildCallCommand(opts))
	rootCmd.AddCommand(buildNodesCommand(opts))
	rootCmd.AddCommand(buildQueueCommand(opts))

	return rootCmd
}

// ============================================================================
// broker
// ============================================================================

func buildBrokerCommand(opts *options) *cobra.Command {
	var port int
	var storeURL string
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Start a broker",
		Long:  "Start the broker that tracks nodes by heartbeat, routes calls and runs the job queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &Config{}
			if opts.configFile != "" {
				loaded, err := loadConfig(opts.configFile)
				if err != nil {
					return err
				}
				cfg = loaded
				if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
					level, err := parseLevel(cfg.Log.Level)
					if err != nil {
						return err
					}
					slog.SetDefault(newLogger(cmd.ErrOrStderr(), level))
				}
			}
			if port > 0 {
				cfg.Broker.Address = net.JoinHostPort("", strconv.Itoa(port))
			}
			if storeURL != "" {
				cfg.Store.URL = storeURL
			}
			if adminAddr != "" {
				cfg.Broker.AdminAddress = adminAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBroker(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides broker.address)")
	cmd.Flags().StringVar(&storeURL, "store", "", "job store url: redis://host:port/db, file:///dir or memory://")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "HTTP address for /metrics and /health")

	return cmd
}

// runBroker 啟動 broker 並阻塞到 ctx 結束
func runBroker(ctx context.Context, cfg *Config) error {
	bc := cfg.BrokerConfig()

	var store cache.Store
	if cfg.Store.URL != "" {
		s, err := cache.Open(cfg.Store.URL)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		store = s
		bc.Store = s
	}
	closeStore := func() {
		if store == nil {
			return
		}
		if err := store.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}

	b, err := broker.New(bc)
	if err != nil {
		closeStore()
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		closeStore()
		return fmt.Errorf("failed to start broker: %w", err)
	}
	slog.Info("Broker started", "address", b.Addr(), "store", storeName(cfg.Store.URL))

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = b.Stop(shutdownCtx)
	closeStore()
	if err != nil {
		return fmt.Errorf("failed to stop broker: %w", err)
	}
	slog.Info("Broker stopped")
	return nil
}

func storeName(rawURL string) string {
	if rawURL == "" {
		return "memory"
	}
	scheme, _, _ := strings.Cut(rawURL, "://")
	return scheme
}

// ============================================================================
// call
// ============================================================================

func buildCallCommand(opts *options) *cobra.Command {
	var data string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <namespace.method>",
		Short: "Call a method through the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.Contains(args[0], ".") {
				return types.Configf("method %q must be qualified as namespace.method", args[0])
			}
			if !json.Valid([]byte(data)) {
				return types.Configf("--data is not valid JSON")
			}
			return callMethod(cmd.Context(), cmd.OutOrStdout(), opts.brokerAddr, args[0], json.RawMessage(data), timeout)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "null", "JSON input")
	cmd.Flags().DurationVar(&timeout, "timeout", node.DefaultCallTimeout, "call timeout")

	return cmd
}

// callMethod 以臨時的 $cli 節點呼叫；$ namespace 不會出現在節點列表
func callMethod(ctx context.Context, out io.Writer, brokerAddr, method string, data json.RawMessage, timeout time.Duration) error {
	n, err := node.New(node.Config{
		Namespace:  cliNamespace,
		Broker:     brokerAddr,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}
	defer n.Close(context.Background())

	result, err := n.Call(ctx, method, data, node.WithTimeout(timeout))
	if err != nil {
		return err
	}
	return writeJSON(out, result.Data)
}

// ============================================================================
// nodes / queue
// ============================================================================

func buildNodesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List nodes registered with the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), opts.brokerAddr, func(ctx context.Context, c *transport.BrokerClient) error {
				reply, err := c.Nodes(ctx)
				if err != nil {
					return err
				}
				return printNodes(cmd.OutOrStdout(), reply.Nodes)
			})
		},
	}
}

func buildQueueCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show job queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), opts.brokerAddr, func(ctx context.Context, c *transport.BrokerClient) error {
				stats, err := c.QueueStats(ctx)
				if err != nil {
					return err
				}
				return printQueueStats(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func withBroker(ctx context.Context, addr string, fn func(context.Context, *transport.BrokerClient) error) error {
	pool := transport.NewPool(0)
	defer pool.Close()

	client, err := pool.Broker(addr)
	if err != nil {
		return types.Transport(err)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := fn(ctx, client); err != nil {
		return fmt.Errorf("broker %s: %w", addr, err)
	}
	return nil
}

func printNodes(out io.Writer, nodes []types.NodeInfo) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAMESPACE\tADDRESS\tMETHODS\tLAST HEARTBEAT")
	for _, info := range nodes {
		methods := append([]string(nil), info.Methods...)
		sort.Strings(methods)
		last := "-"
		if info.LastHeartbeat > 0 {
			last = time.UnixMilli(info.LastHeartbeat).Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.Namespace, info.Address(), strings.Join(methods, ","), last)
	}
	return w.Flush()
}

func printQueueStats(out io.Writer, stats *types.QueueStats) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "inactive\t%d\n", stats.Inactive)
	fmt.Fprintf(w, "active\t%d\n", stats.Active)
	fmt.Fprintf(w, "complete\t%d\n", stats.Complete)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)

	jobTypes := make([]string, 0, len(stats.Workers))
	for t := range stats.Workers {
		jobTypes = append(jobTypes, t)
	}
	sort.Strings(jobTypes)
	for _, t := range jobTypes {
		fmt.Fprintf(w, "workers %s\t%d\n", t, stats.Workers[t])
	}
	return w.Flush()
}

func writeJSON(out io.Writer, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// 配置與日誌
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

func envBroker() string {
	if v, ok := os.LookupEnv(node.EnvBroker); ok && v != "" {
		return strings.TrimPrefix(v, "spinal://")
	}
	return defaultBrokerAddr
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, types.Configf("invalid log level %q", s)
	}
	return level, nil
}

// newLogger JSON 日誌，level 欄位輸出為 severity
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.LevelKey {
				a.Key = "severity"
			}
			return a
		},
	}))
}
