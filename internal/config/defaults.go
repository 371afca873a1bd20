package config

// DefaultSeedCount is the visitor count carried over from the counter that
// preceded this service.
const DefaultSeedCount = 116

// ApplyDefaults sets sensible default values on the given Config.
// Values already set (non-zero) are not overwritten by YAML unmarshalling
// later, so these serve as the baseline configuration.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.ListenAddress = ":8080"
	cfg.Server.ReadTimeoutSeconds = 10
	cfg.Server.WriteTimeoutSeconds = 120
	cfg.Server.AllowedOrigin = "*"
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerMinute = 30
	cfg.Server.RateLimit.Burst = 10

	// --- Store ---
	cfg.Store.Backend = "memory"
	cfg.Store.Key = "matchwise:visitor_count"
	cfg.Store.TimeoutSeconds = 3
	cfg.Store.Breaker.Enabled = true
	cfg.Store.Breaker.MaxRequests = 1
	cfg.Store.Breaker.IntervalSeconds = 60
	cfg.Store.Breaker.TimeoutSeconds = 15
	cfg.Store.Breaker.MinRequests = 3
	cfg.Store.Breaker.FailureThreshold = 0.6

	// --- Redis ---
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 1

	// --- Mongo ---
	cfg.Mongo.Database = "matchwise"
	cfg.Mongo.Collection = "visitor_counters"

	// --- Visitor ---
	cfg.Visitor.SeedCount = DefaultSeedCount
	cfg.Visitor.FreshnessWindowSeconds = 300
	cfg.Visitor.WarmIntervalSeconds = 60

	// --- Backend ---
	cfg.Backend.URL = "https://resume-matcher-backend-f7nx.onrender.com"
	cfg.Backend.TimeoutSeconds = 120
	cfg.Backend.MaxRequestsPerSecond = 5
	cfg.Backend.BurstRequestsPerSecond = 10
	cfg.Backend.MaxUploadBytes = 10 << 20
	cfg.Backend.Breaker.Enabled = true
	cfg.Backend.Breaker.MaxRequests = 3
	cfg.Backend.Breaker.IntervalSeconds = 60
	cfg.Backend.Breaker.TimeoutSeconds = 60
	cfg.Backend.Breaker.MinRequests = 3
	cfg.Backend.Breaker.FailureThreshold = 0.6
}
