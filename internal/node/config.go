package node

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/spinal/internal/cache"
	"github.com/ChuLiYu/spinal/pkg/types"
)

// 環境變數
const (
	EnvBroker         = "SPINAL_BROKER"
	EnvHost           = "SPINAL_HOST"
	EnvPort           = "SPINAL_PORT"
	EnvPortMap        = "SPINAL_PORT_MAP"
	EnvHostnamePrefix = "SPINAL_HOSTNAME_PREFIX"
	EnvHostnameSuffix = "SPINAL_HOSTNAME_SUFFIX"
	EnvMaxMessageSize = "SPINAL_MAX_MESSAGE_SIZE"
	EnvEnvironment    = "SPINAL_ENV"
)

// 預設值
const (
	DefaultHostname          = "127.0.0.1"
	DefaultServicePort       = 7100
	DefaultHeartbeatInterval = time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultGracePeriod       = 5 * time.Second

	localHost = "127.0.0.1"
)

// SettingCallTimeout Set/Get 使用的呼叫逾時設定鍵，值為毫秒數或 time.Duration
const SettingCallTimeout = "callTimeout"

// Config 節點配置
type Config struct {
	Namespace string // 必填，不可為保留字
	Broker    string // broker 位址 host:port，空字串代表不使用 broker

	Hostname string // 對外公布的主機名稱
	Port     int    // gRPC 監聽埠，0 代表自動選擇

	// PortMap namespace -> 本機埠號，StaticRouting 時優先使用
	PortMap       map[string]int
	StaticRouting bool

	// 由 namespace 推導主機名稱：HostnamePrefix + namespace + HostnameSuffix，
	// 連線到 ServicePort
	HostnamePrefix string
	HostnameSuffix string
	ServicePort    int

	MaxMessageSize    int
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	GracePeriod       time.Duration // Stop 等待進行中呼叫的上限

	// Store 回應快取；nil 代表不使用快取
	Store       cache.Store
	CachePrefix string

	AdminAddress string // /health 與 /metrics 的 HTTP 位址，空字串不啟用
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
}

// ApplyEnv 以環境變數覆寫配置
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBroker); ok && v != "" {
		c.Broker = strings.TrimPrefix(v, "spinal://")
	}
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Hostname = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.Configf("invalid %s %q", EnvPort, v)
		}
		c.Port = port
	}
	if v, ok := lookup(EnvPortMap); ok && v != "" {
		var m map[string]int
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return types.Configf("invalid %s: %v", EnvPortMap, err)
		}
		c.PortMap = m
	}
	if v, ok := lookup(EnvHostnamePrefix); ok {
		c.HostnamePrefix = v
	}
	if v, ok := lookup(EnvHostnameSuffix); ok {
		c.HostnameSuffix = v
	}
	if v, ok := lookup(EnvMaxMessageSize); ok && v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return types.Configf("invalid %s %q", EnvMaxMessageSize, v)
		}
		c.MaxMessageSize = size
	}
	if v, ok := lookup(EnvEnvironment); ok {
		switch strings.ToLower(v) {
		case "development", "test":
			c.StaticRouting = true
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	c.Broker = strings.TrimPrefix(c.Broker, "spinal://")
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	// port map 模式下自己的埠號也由 port map 決定
	if c.Port == 0 && c.StaticRouting {
		c.Port = c.PortMap[c.Namespace]
	}
	if c.ServicePort <= 0 {
		c.ServicePort = DefaultServicePort
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.CachePrefix == "" {
		c.CachePrefix = cache.DefaultPrefix
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
}

// Validate 檢查必要設定
func (c *Config) Validate() error {
	switch {
	case c.Namespace == "":
		return types.Configf("namespace is required")
	case types.IsReservedNamespace(c.Namespace):
		return types.Configf("namespace %q is reserved", c.Namespace)
	case strings.Contains(c.Namespace, "."):
		return types.Configf("namespace %q may not contain '.'", c.Namespace)
	case c.Port < 0 || c.Port > 65535:
		return types.Configf("invalid port %d", c.Port)
	}
	return nil
}

func osLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// durationSetting 將 Set 的值轉為 time.Duration；數字視為毫秒
func durationSetting(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, d > 0
	case int:
		return time.Duration(d) * time.Millisecond, d > 0
	case int64:
		return time.Duration(d) * time.Millisecond, d > 0
	case float64:
		return time.Duration(d * float64(time.Millisecond)), d > 0
	case string:
		if ms, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), ms > 0
		}
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil && parsed > 0
	}
	return 0, false
}
