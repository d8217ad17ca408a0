// =============================================================================
// 📦 memengine 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Database:    DefaultDatabaseConfig(),
		Index:       DefaultIndexConfig(),
		Embedding:   DefaultEmbeddingConfig(),
		Cache:       DefaultCacheConfig(),
		Association: DefaultAssociationConfig(),
		Scorer:      ScorerConfig{},
		Pipeline:    DefaultPipelineConfig(),
		Async:       DefaultAsyncConfig(),
		Recovery:    DefaultRecoveryConfig(),
		Session:     SessionConfig{Timeout: time.Hour},
		Maintenance: DefaultMaintenanceConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置（本地 SQLite）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "sqlite",
		Path:                "data/memengine.db",
		Host:                "localhost",
		Port:                5432,
		User:                "memengine",
		Name:                "memengine",
		SSLMode:             "disable",
		MaxOpenConns:        1,
		MaxIdleConns:        1,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultIndexConfig 返回默认向量索引配置
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Backend:        "flat",
		Dir:            "data/index",
		RebuildOnStart: true,
	}
}

// DefaultEmbeddingConfig 返回默认向量化配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:     "hash",
		Model:        "hash-bow-v1",
		Dimension:    256,
		CacheEntries: 10000,
		Timeout:      2 * time.Second,
	}
}

// DefaultCacheConfig 返回默认多级缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Hot:          TierConfig{Capacity: 128, TTL: 5 * time.Minute},
		Warm:         TierConfig{Capacity: 1024, TTL: 30 * time.Minute},
		Cold:         TierConfig{Capacity: 8192, TTL: 6 * time.Hour},
		PromoteAfter: 2,
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "memengine:cache:",
		},
	}
}

// DefaultAssociationConfig 返回默认关联图配置
func DefaultAssociationConfig() AssociationConfig {
	return AssociationConfig{
		MinStrength:     0.1,
		DecayRate:       0.1,
		MaxDecayPerCall: 0.2,
		StrengthenDelta: 0.1,
		PairStrength:    0.8,
	}
}

// DefaultPipelineConfig 返回默认查询增强配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RoleSetting:      "You are a warm, attentive companion who remembers what the user shares.",
		SearchTopK:       10,
		MinSimilarity:    0,
		CacheSearchLimit: 5,
		AssocSeeds:       3,
		AssocDepth:       2,
		AssocMinStrength: 0.2,
		AssocMaxResults:  10,
		TierFetchLimit:   5,
		SessionTurns:     6,
		MaxResults:       10,
		MaxContextTokens: 1500,
		RetrievalWorkers: 4,
	}
}

// DefaultAsyncConfig 返回默认后台评估配置
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:             1024,
		Overflow:              "reject",
		EvaluatorRPS:          5,
		EvaluatorBurst:        5,
		EvaluatorTimeout:      10 * time.Second,
		HistoryTurns:          6,
		AutoLinkTopK:          3,
		AutoLinkMinSimilarity: 0.35,
		SummaryMinRelated:     2,
		DrainTimeout:          10 * time.Second,
	}
}

// DefaultRecoveryConfig 返回默认容错配置
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		OpenTimeout:       30 * time.Second,
		MaxOpenTimeout:    5 * time.Minute,
		BackoffMultiplier: 2,
		MaxRetries:        2,
		RetryInitialDelay: 50 * time.Millisecond,
		RetryMaxDelay:     time.Second,
	}
}

// DefaultMaintenanceConfig 返回默认维护配置
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:            true,
		Interval:           time.Hour,
		DecayDaysThreshold: 7,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "memengine",
		SampleRate:   0.1,
	}
}
