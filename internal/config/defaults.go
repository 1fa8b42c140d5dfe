package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Protocol: "lc.json.3",
			Timeout:  Duration(15 * time.Second),
		},
		Realtime: RealtimeConfig{
			MaxRetries:        10,
			BaseDelay:         Duration(100 * time.Millisecond),
			MaxDelay:          Duration(30 * time.Second),
			HeartbeatInterval: Duration(180 * time.Second),
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "baas-relay",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			SubjectPrefix:  "baas",
		},
		Archive: ArchiveConfig{
			Region:    "us-east-1",
			Prefix:    "livequery",
			MaxBatch:  1000,
			MaxBytes:  ByteSize(8 * 1024 * 1024), // 8MB
			MaxLinger: Duration(30 * time.Second),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
