// =============================================================================
// 📦 memengine 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MEMENGINE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 memengine 的完整配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	Index       IndexConfig       `yaml:"index" env:"INDEX"`
	Embedding   EmbeddingConfig   `yaml:"embedding" env:"EMBEDDING"`
	Cache       CacheConfig       `yaml:"cache" env:"CACHE"`
	Association AssociationConfig `yaml:"association" env:"ASSOCIATION"`
	Scorer      ScorerConfig      `yaml:"scorer" env:"SCORER"`
	Pipeline    PipelineConfig    `yaml:"pipeline" env:"PIPELINE"`
	Async       AsyncConfig       `yaml:"async" env:"ASYNC"`
	Recovery    RecoveryConfig    `yaml:"recovery" env:"RECOVERY"`
	Session     SessionConfig     `yaml:"session" env:"SESSION"`
	Maintenance MaintenanceConfig `yaml:"maintenance" env:"MAINTENANCE"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// SQLite 文件路径（:memory: 为内存库）
	Path string `yaml:"path" env:"PATH"`
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 健康检查间隔（0 关闭）
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// IndexConfig 向量索引配置
type IndexConfig struct {
	// 后端: flat, chromem
	Backend string `yaml:"backend" env:"BACKEND"`
	// 持久化目录，空表示仅内存
	Dir string `yaml:"dir" env:"DIR"`
	// 启动时索引为空而库中有向量则重建
	RebuildOnStart bool `yaml:"rebuild_on_start" env:"REBUILD_ON_START"`
}

// EmbeddingConfig 向量化配置
type EmbeddingConfig struct {
	// 提供方: hash
	Provider string `yaml:"provider" env:"PROVIDER"`
	// 模型名（写入向量记录）
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimension int `yaml:"dimension" env:"DIMENSION"`
	// 结果缓存条目数（0 关闭）
	CacheEntries int64 `yaml:"cache_entries" env:"CACHE_ENTRIES"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TierConfig 单个缓存层配置
type TierConfig struct {
	Capacity int           `yaml:"capacity" env:"CAPACITY"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// CacheConfig 多级缓存配置
type CacheConfig struct {
	Hot  TierConfig `yaml:"hot" env:"HOT"`
	Warm TierConfig `yaml:"warm" env:"WARM"`
	Cold TierConfig `yaml:"cold" env:"COLD"`
	// 低层命中多少次后提升
	PromoteAfter int `yaml:"promote_after" env:"PROMOTE_AFTER"`
	// Redis 镜像
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// Key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// AssociationConfig 关联图配置
type AssociationConfig struct {
	// 低于该强度的边被删除
	MinStrength float64 `yaml:"min_strength" env:"MIN_STRENGTH"`
	// 每 30 天的衰减率
	DecayRate float64 `yaml:"decay_rate" env:"DECAY_RATE"`
	// 单次衰减上限
	MaxDecayPerCall float64 `yaml:"max_decay_per_call" env:"MAX_DECAY_PER_CALL"`
	// 重复创建时的增强量
	StrengthenDelta float64 `yaml:"strengthen_delta" env:"STRENGTHEN_DELTA"`
	// 用户/助手配对边的初始强度
	PairStrength float64 `yaml:"pair_strength" env:"PAIR_STRENGTH"`
}

// ScorerConfig 排序配置
type ScorerConfig struct {
	// 相似度附加权重（0 表示只使用基础公式）
	SimilarityWeight float64 `yaml:"similarity_weight" env:"SIMILARITY_WEIGHT"`
}

// PipelineConfig 查询增强管道配置
type PipelineConfig struct {
	// 角色设定
	RoleSetting string `yaml:"role_setting" env:"ROLE_SETTING"`
	// 向量检索 TopK
	SearchTopK int `yaml:"search_top_k" env:"SEARCH_TOP_K"`
	// 最低相似度
	MinSimilarity float64 `yaml:"min_similarity" env:"MIN_SIMILARITY"`
	// 缓存关键词检索条数
	CacheSearchLimit int `yaml:"cache_search_limit" env:"CACHE_SEARCH_LIMIT"`
	// 关联扩展的种子数
	AssocSeeds int `yaml:"assoc_seeds" env:"ASSOC_SEEDS"`
	// 关联扩展深度
	AssocDepth int `yaml:"assoc_depth" env:"ASSOC_DEPTH"`
	// 关联扩展最低强度
	AssocMinStrength float64 `yaml:"assoc_min_strength" env:"ASSOC_MIN_STRENGTH"`
	// 关联扩展最大条数
	AssocMaxResults int `yaml:"assoc_max_results" env:"ASSOC_MAX_RESULTS"`
	// 每个层级读取的条数
	TierFetchLimit int `yaml:"tier_fetch_limit" env:"TIER_FETCH_LIMIT"`
	// 当前会话保留的轮数
	SessionTurns int `yaml:"session_turns" env:"SESSION_TURNS"`
	// 排序后保留条数
	MaxResults int `yaml:"max_results" env:"MAX_RESULTS"`
	// 上下文 Token 预算
	MaxContextTokens int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
	// 并行检索的 worker 数
	RetrievalWorkers int `yaml:"retrieval_workers" env:"RETRIEVAL_WORKERS"`
	// 计数所用的 tiktoken 编码（空则估算）
	TokenizerEncoding string `yaml:"tokenizer_encoding" env:"TOKENIZER_ENCODING"`
}

// AsyncConfig 后台评估配置
type AsyncConfig struct {
	// 队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 溢出策略: reject, drop_oldest
	Overflow string `yaml:"overflow" env:"OVERFLOW"`
	// 评估器每秒调用数
	EvaluatorRPS float64 `yaml:"evaluator_rps" env:"EVALUATOR_RPS"`
	// 评估器突发数
	EvaluatorBurst int `yaml:"evaluator_burst" env:"EVALUATOR_BURST"`
	// 评估器超时
	EvaluatorTimeout time.Duration `yaml:"evaluator_timeout" env:"EVALUATOR_TIMEOUT"`
	// 传给评估器的历史轮数
	HistoryTurns int `yaml:"history_turns" env:"HISTORY_TURNS"`
	// 自动关联 TopK
	AutoLinkTopK int `yaml:"auto_link_top_k" env:"AUTO_LINK_TOP_K"`
	// 自动关联最低相似度
	AutoLinkMinSimilarity float64 `yaml:"auto_link_min_similarity" env:"AUTO_LINK_MIN_SIMILARITY"`
	// 标记摘要所需的最少关联数
	SummaryMinRelated int `yaml:"summary_min_related" env:"SUMMARY_MIN_RELATED"`
	// 关闭时的排空超时
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// RecoveryConfig 容错配置
type RecoveryConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	FailureWindow     time.Duration `yaml:"failure_window" env:"FAILURE_WINDOW"`
	OpenTimeout       time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	MaxOpenTimeout    time.Duration `yaml:"max_open_timeout" env:"MAX_OPEN_TIMEOUT"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	// 不活跃超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MaintenanceConfig 定期维护配置
type MaintenanceConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 超过该天数未激活的关联开始衰减
	DecayDaysThreshold float64 `yaml:"decay_days_threshold" env:"DECAY_DAYS_THRESHOLD"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEMENGINE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Index.Backend {
	case "flat", "chromem":
	default:
		errs = append(errs, fmt.Sprintf("unsupported index backend %q", c.Index.Backend))
	}

	if c.Embedding.Dimension <= 0 {
		errs = append(errs, "embedding dimension must be positive")
	}
	switch c.Embedding.Provider {
	case "hash":
	default:
		errs = append(errs, fmt.Sprintf("unsupported embedding provider %q", c.Embedding.Provider))
	}

	for name, tier := range map[string]TierConfig{"hot": c.Cache.Hot, "warm": c.Cache.Warm, "cold": c.Cache.Cold} {
		if tier.Capacity <= 0 {
			errs = append(errs, fmt.Sprintf("cache %s capacity must be positive", name))
		}
	}
	if c.Cache.Hot.Capacity > c.Cache.Warm.Capacity || c.Cache.Warm.Capacity > c.Cache.Cold.Capacity {
		errs = append(errs, "cache capacities must grow from hot to cold")
	}

	a := c.Association
	if a.MinStrength < 0 || a.MinStrength >= 1 {
		errs = append(errs, "association min_strength must be in [0,1)")
	}
	if a.DecayRate < 0 || a.MaxDecayPerCall < 0 {
		errs = append(errs, "association decay settings must be non-negative")
	}

	if c.Pipeline.MaxContextTokens <= 0 {
		errs = append(errs, "pipeline max_context_tokens must be positive")
	}
	if c.Pipeline.RetrievalWorkers <= 0 {
		errs = append(errs, "pipeline retrieval_workers must be positive")
	}

	if c.Async.QueueSize <= 0 {
		errs = append(errs, "async queue_size must be positive")
	}
	switch c.Async.Overflow {
	case "reject", "drop_oldest":
	default:
		errs = append(errs, fmt.Sprintf("unknown async overflow policy %q", c.Async.Overflow))
	}

	if c.Recovery.FailureThreshold <= 0 {
		errs = append(errs, "recovery failure_threshold must be positive")
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, "session timeout must be positive")
	}
	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		errs = append(errs, "maintenance interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Path
	default:
		return ""
	}
}
