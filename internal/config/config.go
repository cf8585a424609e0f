// Package config loads service configuration from the environment.
//
// Every value has a default so the service starts with an empty environment;
// a .env file in the working directory is loaded by the entry point before
// Load is called.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Account and operation tier names used as keys in QuotaTable.
const (
	RowFree     = "free"
	RowVerified = "verified"
	RowPremium  = "premium"
	RowMachine  = "machine"
	RowGuest    = "guest"

	TierRead        = "read"
	TierWrite       = "write"
	TierFilesUpload = "files_upload"
	TierExceptions  = "exceptions"
)

// Column limits of the MySQL schema.
const (
	// MaxChunksLimit is the most chunks the VARBINARY(1250) bitmap can track.
	MaxChunksLimit = 10000
	// ClientTagLimit is the width of usage_records.client_tag.
	ClientTagLimit = 64
)

// QuotaTable maps a row (account tier, or "guest") to hourly limits per
// operation tier.
type QuotaTable map[string]map[string]int

// Limit returns the configured limit for row and tier, or 0.
func (q QuotaTable) Limit(row, tier string) int {
	return q[row][tier]
}

type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string
	NodeID   string

	DB        DBConfig
	Redis     RedisConfig
	Blob      BlobConfig
	Upload    UploadConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Analyzer  AnalyzerConfig
	Worker    WorkerConfig
	Sweeps    SweepConfig
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BlobConfig struct {
	Backend   string // "disk" or "s3"
	Dir       string
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type UploadConfig struct {
	MaxFileSize           int64
	MaxChunksPerSession   int
	DefaultChunkSize      int64
	MaxChunkSize          int64
	SessionExpiration     time.Duration
	MaxConcurrentSessions int
	AllowedExtensions     []string
}

type BurstConfig struct {
	ActorClass string
	Tier       string
	Limit      int
	Window     time.Duration
}

type RateLimitConfig struct {
	Window            time.Duration
	Hourly            QuotaTable
	Burst             BurstConfig
	ExceptionPrefixes []string
	UploadPrefixes    []string
	// TransferPrefixes carry the bytes of an already admitted upload and
	// count against the read tier.
	TransferPrefixes []string
	ClientTagMaxLen  int
	UsageBuffer      int
}

type JobsConfig struct {
	Expiration            time.Duration
	MaxAnalyzerRetries    int
	Backoff               []time.Duration
	MaxProcessingDuration time.Duration
	StalePendingAfter     time.Duration
}

type AnalyzerConfig struct {
	URL         string
	Timeout     time.Duration
	RPS         float64
	Burst       int
	HTTPRetries int
}

type WorkerConfig struct {
	Count     int
	QueueSize int
}

type SweepConfig struct {
	Sessions time.Duration
	Jobs     time.Duration
	Timeouts time.Duration
	Requeue  time.Duration
}

// DefaultQuotas returns the built-in hourly quota table.
func DefaultQuotas() QuotaTable {
	return QuotaTable{
		RowFree:     {TierRead: 1000, TierWrite: 200, TierFilesUpload: 20, TierExceptions: 100},
		RowVerified: {TierRead: 5000, TierWrite: 1000, TierFilesUpload: 100, TierExceptions: 500},
		RowPremium:  {TierRead: 20000, TierWrite: 5000, TierFilesUpload: 500, TierExceptions: 2000},
		RowMachine:  {TierRead: 50000, TierWrite: 10000, TierFilesUpload: 1000, TierExceptions: 5000},
		RowGuest:    {TierRead: 300, TierWrite: 50, TierFilesUpload: 10, TierExceptions: 20},
	}
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		LogLevel: "info",
		NodeID:   host,
		DB: DBConfig{
			DSN:             "root:password@tcp(127.0.0.1:3306)/gopherscan?parseTime=true",
			MaxOpenConns:    25,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Blob:  BlobConfig{Backend: "disk", Dir: "./data", Region: "us-east-1"},
		Upload: UploadConfig{
			MaxFileSize:           2 << 30,
			MaxChunksPerSession:   10000,
			DefaultChunkSize:      10 << 20,
			MaxChunkSize:          10 << 20,
			SessionExpiration:     24 * time.Hour,
			MaxConcurrentSessions: 5,
		},
		RateLimit: RateLimitConfig{
			Window: time.Hour,
			Hourly: DefaultQuotas(),
			Burst: BurstConfig{
				ActorClass: "key",
				Tier:       TierRead,
				Limit:      600,
				Window:     time.Minute,
			},
			ExceptionPrefixes: []string{"/api/v1/exceptions", "/api/v1/errors"},
			UploadPrefixes:    []string{"/api/v1/upload/initiate", "/api/v1/files"},
			TransferPrefixes:  []string{"/api/v1/upload/chunk"},
			ClientTagMaxLen:   64,
			UsageBuffer:       1024,
		},
		Jobs: JobsConfig{
			Expiration:            72 * time.Hour,
			MaxAnalyzerRetries:    3,
			Backoff:               []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
			MaxProcessingDuration: 15 * time.Minute,
			StalePendingAfter:     10 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			URL:         "http://127.0.0.1:9000/v1/analyze",
			Timeout:     2 * time.Minute,
			RPS:         10,
			Burst:       10,
			HTTPRetries: 1,
		},
		Worker: WorkerConfig{Count: 5, QueueSize: 10},
		Sweeps: SweepConfig{
			Sessions: 10 * time.Minute,
			Jobs:     30 * time.Minute,
			Timeouts: time.Minute,
			Requeue:  5 * time.Minute,
		},
	}
}

// Load reads the configuration from the environment on top of Default and
// validates it.
func Load() (*Config, error) {
	cfg := Default()
	var errs []error
	p := &parser{errs: &errs}

	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.NodeID = envOrDefault("NODE_ID", cfg.NodeID)

	cfg.DB.DSN = envOrDefault("DB_DSN", cfg.DB.DSN)
	cfg.DB.MaxOpenConns = p.int("DB_MAX_OPEN_CONNS", cfg.DB.MaxOpenConns)
	cfg.DB.MaxIdleConns = p.int("DB_MAX_IDLE_CONNS", cfg.DB.MaxIdleConns)
	cfg.DB.ConnMaxLifetime = p.duration("DB_CONN_MAX_LIFETIME", cfg.DB.ConnMaxLifetime)

	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = p.int("REDIS_DB", cfg.Redis.DB)

	cfg.Blob.Backend = envOrDefault("BLOB_BACKEND", cfg.Blob.Backend)
	cfg.Blob.Dir = envOrDefault("BLOB_DIR", cfg.Blob.Dir)
	cfg.Blob.Bucket = envOrDefault("BLOB_S3_BUCKET", cfg.Blob.Bucket)
	cfg.Blob.Region = envOrDefault("BLOB_S3_REGION", cfg.Blob.Region)
	cfg.Blob.Endpoint = envOrDefault("BLOB_S3_ENDPOINT", cfg.Blob.Endpoint)
	cfg.Blob.AccessKey = envOrDefault("BLOB_S3_ACCESS_KEY", cfg.Blob.AccessKey)
	cfg.Blob.SecretKey = envOrDefault("BLOB_S3_SECRET_KEY", cfg.Blob.SecretKey)

	cfg.Upload.MaxFileSize = p.int64("UPLOAD_MAX_FILE_SIZE", cfg.Upload.MaxFileSize)
	cfg.Upload.MaxChunksPerSession = p.int("UPLOAD_MAX_CHUNKS", cfg.Upload.MaxChunksPerSession)
	cfg.Upload.DefaultChunkSize = p.int64("UPLOAD_DEFAULT_CHUNK_SIZE", cfg.Upload.DefaultChunkSize)
	cfg.Upload.MaxChunkSize = p.int64("UPLOAD_MAX_CHUNK_SIZE", cfg.Upload.MaxChunkSize)
	cfg.Upload.SessionExpiration = time.Duration(p.int("UPLOAD_SESSION_EXPIRATION_HOURS", int(cfg.Upload.SessionExpiration/time.Hour))) * time.Hour
	cfg.Upload.MaxConcurrentSessions = p.int("UPLOAD_MAX_CONCURRENT_SESSIONS", cfg.Upload.MaxConcurrentSessions)
	cfg.Upload.AllowedExtensions = envList("UPLOAD_ALLOWED_EXTENSIONS", cfg.Upload.AllowedExtensions)

	cfg.RateLimit.Window = p.duration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
	for _, row := range []string{RowFree, RowVerified, RowPremium, RowMachine, RowGuest} {
		key := "RATE_LIMIT_" + strings.ToUpper(row)
		if v := os.Getenv(key); v != "" {
			limits, err := ParseQuotaRow(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			for tier, n := range limits {
				cfg.RateLimit.Hourly[row][tier] = n
			}
		}
	}
	cfg.RateLimit.Burst.ActorClass = envOrDefault("RATE_LIMIT_BURST_CLASS", cfg.RateLimit.Burst.ActorClass)
	cfg.RateLimit.Burst.Tier = envOrDefault("RATE_LIMIT_BURST_TIER", cfg.RateLimit.Burst.Tier)
	cfg.RateLimit.Burst.Limit = p.int("RATE_LIMIT_BURST_LIMIT", cfg.RateLimit.Burst.Limit)
	cfg.RateLimit.Burst.Window = p.duration("RATE_LIMIT_BURST_WINDOW", cfg.RateLimit.Burst.Window)
	cfg.RateLimit.ClientTagMaxLen = p.int("RATE_LIMIT_CLIENT_TAG_MAX_LEN", cfg.RateLimit.ClientTagMaxLen)
	cfg.RateLimit.UsageBuffer = p.int("RATE_LIMIT_USAGE_BUFFER", cfg.RateLimit.UsageBuffer)

	cfg.Jobs.Expiration = time.Duration(p.int("JOB_EXPIRATION_HOURS", int(cfg.Jobs.Expiration/time.Hour))) * time.Hour
	cfg.Jobs.MaxAnalyzerRetries = p.int("JOB_MAX_ANALYZER_RETRIES", cfg.Jobs.MaxAnalyzerRetries)
	cfg.Jobs.Backoff = p.durations("JOB_RETRY_BACKOFF", cfg.Jobs.Backoff)
	cfg.Jobs.MaxProcessingDuration = p.duration("JOB_MAX_PROCESSING_DURATION", cfg.Jobs.MaxProcessingDuration)
	cfg.Jobs.StalePendingAfter = p.duration("JOB_STALE_PENDING_AFTER", cfg.Jobs.StalePendingAfter)

	cfg.Analyzer.URL = envOrDefault("ANALYZER_URL", cfg.Analyzer.URL)
	cfg.Analyzer.Timeout = p.duration("ANALYZER_TIMEOUT", cfg.Analyzer.Timeout)
	cfg.Analyzer.RPS = p.float("ANALYZER_RPS", cfg.Analyzer.RPS)
	cfg.Analyzer.Burst = p.int("ANALYZER_BURST", cfg.Analyzer.Burst)
	cfg.Analyzer.HTTPRetries = p.int("ANALYZER_HTTP_RETRIES", cfg.Analyzer.HTTPRetries)

	cfg.Worker.Count = p.int("WORKER_COUNT", cfg.Worker.Count)
	cfg.Worker.QueueSize = p.int("WORKER_QUEUE_SIZE", cfg.Worker.QueueSize)

	cfg.Sweeps.Sessions = p.duration("SWEEP_SESSIONS_INTERVAL", cfg.Sweeps.Sessions)
	cfg.Sweeps.Jobs = p.duration("SWEEP_JOBS_INTERVAL", cfg.Sweeps.Jobs)
	cfg.Sweeps.Timeouts = p.duration("SWEEP_TIMEOUTS_INTERVAL", cfg.Sweeps.Timeouts)
	cfg.Sweeps.Requeue = p.duration("SWEEP_REQUEUE_INTERVAL", cfg.Sweeps.Requeue)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Upload.MaxFileSize > 0, "max file size must be positive")
	check(c.Upload.MaxChunksPerSession > 0 && c.Upload.MaxChunksPerSession <= MaxChunksLimit,
		fmt.Sprintf("max chunks per session must be in (0, %d]", MaxChunksLimit))
	check(c.Upload.MaxChunkSize > 0, "max chunk size must be positive")
	check(c.Upload.DefaultChunkSize > 0 && c.Upload.DefaultChunkSize <= c.Upload.MaxChunkSize,
		"default chunk size must be in (0, max chunk size]")
	check(c.Upload.SessionExpiration > 0, "session expiration must be positive")
	check(c.Upload.MaxConcurrentSessions > 0, "max concurrent sessions must be positive")

	check(c.RateLimit.Window > 0, "rate limit window must be positive")
	for _, row := range []string{RowFree, RowVerified, RowPremium, RowMachine, RowGuest} {
		for _, tier := range []string{TierRead, TierWrite, TierFilesUpload, TierExceptions} {
			check(c.RateLimit.Hourly.Limit(row, tier) > 0, fmt.Sprintf("quota %s/%s must be positive", row, tier))
		}
	}
	check(c.RateLimit.ClientTagMaxLen > 0 && c.RateLimit.ClientTagMaxLen <= ClientTagLimit,
		fmt.Sprintf("client tag max length must be in (0, %d]", ClientTagLimit))
	if c.RateLimit.Burst.Limit > 0 {
		check(c.RateLimit.Burst.Window > 0 && c.RateLimit.Burst.Window < c.RateLimit.Window,
			"burst window must be positive and shorter than the hourly window")
	}

	check(c.Jobs.Expiration > 0, "job expiration must be positive")
	check(c.Jobs.MaxAnalyzerRetries >= 0, "max analyzer retries must not be negative")
	check(c.Jobs.MaxProcessingDuration > 0, "max processing duration must be positive")
	check(c.Jobs.StalePendingAfter > 0, "stale pending threshold must be positive")
	check(c.Worker.Count > 0, "worker count must be positive")
	check(c.Worker.QueueSize >= 0, "worker queue size must not be negative")
	for name, every := range map[string]time.Duration{
		"sessions": c.Sweeps.Sessions,
		"jobs":     c.Sweeps.Jobs,
		"timeouts": c.Sweeps.Timeouts,
		"requeue":  c.Sweeps.Requeue,
	} {
		check(every > 0, fmt.Sprintf("%s sweep interval must be positive", name))
	}
	check(c.Blob.Backend == "disk" || c.Blob.Backend == "s3", "blob backend must be disk or s3")
	if c.Blob.Backend == "s3" {
		check(c.Blob.Bucket != "", "s3 bucket is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ParseQuotaRow parses "read:300,write:50,files_upload:10,exceptions:20".
func ParseQuotaRow(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tier, val, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", part)
		}
		tier = strings.TrimSpace(tier)
		switch tier {
		case TierRead, TierWrite, TierFilesUpload, TierExceptions:
		default:
			return nil, fmt.Errorf("unknown tier %q", tier)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid limit for %s: %q", tier, val)
		}
		out[tier] = n
	}
	return out, nil
}

// envOrDefault reads an env variable or returns the fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parser collects conversion errors instead of failing on the first one.
type parser struct {
	errs *[]error
}

func (p *parser) fail(key, v string, err error) {
	*p.errs = append(*p.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}

func (p *parser) durations(key string, fallback []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []time.Duration
	for _, s := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			p.fail(key, v, err)
			return fallback
		}
		out = append(out, d)
	}
	return out
}
