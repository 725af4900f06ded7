package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Director: DirectorConfig{
			Name: "media-director",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "media-director",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Catalog: CatalogConfig{
			Path: "/var/lib/media-director/catalog.db",
		},
		Allocator: AllocatorConfig{
			MaxRetries: 200,
			Create:     true,
			Prune:      true,
		},
		Prune: PruneConfig{
			Enabled:  true,
			Interval: Duration(time.Hour),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       true,
				SubjectPrefix: "md",
			},
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
