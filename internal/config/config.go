// Package config assembles relay settings from command-line flags,
// STREAMRELAY_* environment variables and an optional dotenv file. Flags
// win over the environment, which wins over the dotenv file, which wins
// over built-in defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"streamrelay/internal/events"
	"streamrelay/internal/fanout"
	"streamrelay/internal/health"
	"streamrelay/internal/relay"
	"streamrelay/internal/server"
	"streamrelay/internal/stream"
	"streamrelay/internal/transcoder"
)

const (
	envPrefix      = "STREAMRELAY_"
	defaultEnvFile = ".env"
)

// Config holds every runtime setting of the relay process.
type Config struct {
	Addr            string
	TLS             server.TLSConfig
	AdminToken      string
	AdminTokenHash  string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	Transcoder       transcoder.Config
	ChunkSize        int
	StallThreshold   time.Duration
	GracefulStop     time.Duration
	TickInterval     time.Duration
	SendTimeout      time.Duration
	QueueSize        int
	Retry            health.RetryPolicy
	AutoStart        bool
	IdleStop         time.Duration
	StatsLogInterval time.Duration

	AllowedOrigins []string
	PingInterval   time.Duration
	ICEServers     []string
	PushTargets    []string
	RateLimit      server.RateLimitConfig

	Redis    events.RedisConfig
	Postgres events.PostgresConfig
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Addr:            ":8765",
		ShutdownTimeout: server.DefaultShutdownTimeout,
		LogLevel:        "info",
		LogFormat:       "json",
		Transcoder: transcoder.Config{
			Binary:         "ffmpeg",
			Profile:        transcoder.DefaultProfile(),
			ConnectTimeout: 10 * time.Second,
		},
		ChunkSize:        stream.DefaultChunkSize,
		StallThreshold:   health.DefaultStallThreshold,
		GracefulStop:     relay.DefaultGracefulStop,
		TickInterval:     relay.DefaultTickInterval,
		SendTimeout:      fanout.DefaultSendTimeout,
		QueueSize:        fanout.DefaultQueueSize,
		Retry:            health.DefaultRetryPolicy(),
		StatsLogInterval: 30 * time.Second,
		PingInterval:     30 * time.Second,
		ICEServers:       []string{"stun:stun.l.google.com:19302"},
		RateLimit:        server.RateLimitConfig{ConnectWindow: time.Minute},
		Redis:            events.RedisConfig{Stream: events.DefaultRedisStream, MaxLen: events.DefaultRedisMaxLen},
		Postgres:         events.PostgresConfig{ApplicationName: "streamrelay"},
	}
}

// Load parses args (without the program name) on top of the environment.
// A -env-file flag or STREAMRELAY_ENV_FILE names the dotenv file; otherwise
// ./.env is read when present.
func Load(args []string) (Config, error) {
	dotenv, err := readDotEnv(envFilePath(args))
	if err != nil {
		return Config{}, err
	}
	env := layeredEnv{dotenv: dotenv}

	cfg := Default()
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage prints the flag reference to w.
func Usage(w io.Writer) {
	cfg := Default()
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(w)
	cfg.registerFlags(fs)
	fmt.Fprintln(w, "Usage: relay [flags]")
	fmt.Fprintf(w, "Every flag can also be set through %s<FLAG_NAME> in the environment or a dotenv file.\n", envPrefix)
	fs.PrintDefaults()
}

func (c *Config) registerFlags(fs *flag.FlagSet) {
	fs.String("env-file", "", "dotenv file with STREAMRELAY_* settings")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.TLS.CertFile, "tls-cert", c.TLS.CertFile, "path to TLS certificate file")
	fs.StringVar(&c.TLS.KeyFile, "tls-key", c.TLS.KeyFile, "path to TLS private key file")
	fs.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "bearer token required by the restart and stop endpoints")
	fs.StringVar(&c.AdminTokenHash, "admin-token-hash", c.AdminTokenHash, "PBKDF2 digest of the admin token (see: relay hash-admin-token)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful HTTP shutdown bound")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (json or text)")

	fs.StringVar(&c.Transcoder.Source, "source", c.Transcoder.Source, "input locator, usually an rtsp:// URL")
	fs.StringVar(&c.Transcoder.Binary, "ffmpeg", c.Transcoder.Binary, "transcoder executable")
	fs.DurationVar(&c.Transcoder.ConnectTimeout, "connect-timeout", c.Transcoder.ConnectTimeout, "RTSP socket timeout passed to the transcoder")
	fs.IntVar(&c.Transcoder.Profile.Width, "width", c.Transcoder.Profile.Width, "output width in pixels")
	fs.IntVar(&c.Transcoder.Profile.Height, "height", c.Transcoder.Profile.Height, "output height in pixels")
	fs.IntVar(&c.Transcoder.Profile.FPS, "fps", c.Transcoder.Profile.FPS, "output frame rate")
	fs.IntVar(&c.Transcoder.Profile.BitrateKbps, "bitrate-kbps", c.Transcoder.Profile.BitrateKbps, "output video bitrate in kbit/s")
	fs.StringVar(&c.Transcoder.Profile.Codec, "codec", c.Transcoder.Profile.Codec, "output video codec")
	fs.Func("container", fmt.Sprintf("output container (mpegts or h264) (default %q)", c.Transcoder.Profile.Container), func(v string) error {
		c.Transcoder.Profile.Container = transcoder.Container(strings.ToLower(strings.TrimSpace(v)))
		return nil
	})

	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "bytes read from the transcoder per chunk")
	fs.DurationVar(&c.StallThreshold, "stall-threshold", c.StallThreshold, "restart the transcoder after this long without output")
	fs.DurationVar(&c.GracefulStop, "graceful-stop", c.GracefulStop, "wait before killing a transcoder that ignores SIGTERM")
	fs.DurationVar(&c.TickInterval, "health-tick", c.TickInterval, "health check interval")
	fs.DurationVar(&c.SendTimeout, "send-timeout", c.SendTimeout, "drop a viewer that cannot take a chunk within this long")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "chunks buffered per viewer")
	fs.IntVar(&c.Retry.MaxAttempts, "retry-max-attempts", c.Retry.MaxAttempts, "consecutive failed sessions before giving up (negative retries forever)")
	fs.DurationVar(&c.Retry.InitialBackoff, "retry-initial-backoff", c.Retry.InitialBackoff, "first restart delay")
	fs.DurationVar(&c.Retry.MaxBackoff, "retry-max-backoff", c.Retry.MaxBackoff, "restart delay cap")
	fs.BoolVar(&c.AutoStart, "auto-start", c.AutoStart, "run the transcoder even without viewers")
	fs.DurationVar(&c.IdleStop, "idle-stop", c.IdleStop, "stop the transcoder after this long without viewers (0 keeps it running)")
	fs.DurationVar(&c.StatsLogInterval, "stats-log-interval", c.StatsLogInterval, "throughput log interval (0 disables)")

	fs.Var(&listFlag{values: &c.AllowedOrigins}, "allowed-origin", "browser origin allowed to reach the relay (repeatable)")
	fs.DurationVar(&c.PingInterval, "ws-ping-interval", c.PingInterval, "WebSocket heartbeat interval")
	fs.Var(&listFlag{values: &c.ICEServers}, "ice-server", "STUN/TURN URL offered to WebRTC viewers (repeatable)")
	fs.Var(&listFlag{values: &c.PushTargets}, "push-target", "host:port the relay pushes the raw stream to (repeatable)")
	fs.Float64Var(&c.RateLimit.GlobalRPS, "rate-global-rps", c.RateLimit.GlobalRPS, "global request rate limit in requests per second")
	fs.IntVar(&c.RateLimit.GlobalBurst, "rate-global-burst", c.RateLimit.GlobalBurst, "global rate limit burst allowance")
	fs.IntVar(&c.RateLimit.ConnectLimit, "rate-connect-limit", c.RateLimit.ConnectLimit, "viewer connections and admin calls per client IP per window (0 disables)")
	fs.DurationVar(&c.RateLimit.ConnectWindow, "rate-connect-window", c.RateLimit.ConnectWindow, "window for counting connection attempts")
	fs.BoolVar(&c.RateLimit.TrustForwardedHeaders, "rate-trust-forwarded-headers", c.RateLimit.TrustForwardedHeaders, "identify clients by X-Forwarded-For/X-Real-IP (only behind a trusted proxy)")

	fs.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "Redis address for event export and shared rate limits")
	fs.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "Redis password")
	fs.StringVar(&c.Redis.Stream, "redis-stream", c.Redis.Stream, "Redis stream receiving lifecycle events")
	fs.Int64Var(&c.Redis.MaxLen, "redis-maxlen", c.Redis.MaxLen, "approximate Redis stream length cap")
	fs.StringVar(&c.Postgres.DSN, "postgres-dsn", c.Postgres.DSN, "Postgres connection string for the event journal")
	fs.DurationVar(&c.Postgres.AcquireTimeout, "postgres-acquire-timeout", c.Postgres.AcquireTimeout, "timeout when acquiring a Postgres connection")
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls-cert and tls-key must be provided together"))
	}
	if err := c.Transcoder.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transcoder: %w", err))
	}
	if c.AdminToken != "" && c.AdminTokenHash != "" {
		errs = append(errs, errors.New("admin-token and admin-token-hash are mutually exclusive"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk-size %d must be positive", c.ChunkSize))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"stall-threshold", c.StallThreshold},
		{"graceful-stop", c.GracefulStop},
		{"health-tick", c.TickInterval},
		{"send-timeout", c.SendTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.TickInterval > 0 && c.StallThreshold > 0 && c.StallThreshold < c.TickInterval {
		errs = append(errs, fmt.Errorf("stall-threshold %s must not be shorter than health-tick %s", c.StallThreshold, c.TickInterval))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue-size %d must be positive", c.QueueSize))
	}
	if c.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("retry-max-attempts must not be zero"))
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, fmt.Errorf("retry backoff %s..%s is invalid", c.Retry.InitialBackoff, c.Retry.MaxBackoff))
	}
	if c.IdleStop < 0 {
		errs = append(errs, errors.New("idle-stop must not be negative"))
	}
	for _, target := range c.PushTargets {
		if _, _, err := net.SplitHostPort(target); err != nil {
			errs = append(errs, fmt.Errorf("push-target %q: %w", target, err))
		}
	}
	if c.Redis.MaxLen < 0 {
		errs = append(errs, errors.New("redis-maxlen must not be negative"))
	}
	if c.RateLimit.ConnectLimit < 0 {
		errs = append(errs, errors.New("rate-connect-limit must not be negative"))
	}
	return errors.Join(errs...)
}

func envFilePath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "env-file" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(envPrefix + "ENV_FILE")
}

func readDotEnv(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return values, nil
}

// layeredEnv resolves a variable from the process environment first and the
// dotenv file second.
type layeredEnv struct {
	dotenv map[string]string
}

func (e layeredEnv) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v), true
	}
	if v, ok := e.dotenv[key]; ok {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func (c *Config) applyEnv(env layeredEnv) error {
	p := envParser{env: env}

	p.str("ADDR", &c.Addr)
	p.str("TLS_CERT", &c.TLS.CertFile)
	p.str("TLS_KEY", &c.TLS.KeyFile)
	p.str("ADMIN_TOKEN", &c.AdminToken)
	p.str("ADMIN_TOKEN_HASH", &c.AdminTokenHash)
	p.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("LOG_FORMAT", &c.LogFormat)

	// RTSP_URL is accepted for deployments migrating from the camera scripts.
	if v, ok := env.lookup("RTSP_URL"); ok && v != "" {
		c.Transcoder.Source = v
	}
	p.str("SOURCE", &c.Transcoder.Source)
	p.str("FFMPEG", &c.Transcoder.Binary)
	p.duration("CONNECT_TIMEOUT", &c.Transcoder.ConnectTimeout)
	p.integer("WIDTH", &c.Transcoder.Profile.Width)
	p.integer("HEIGHT", &c.Transcoder.Profile.Height)
	p.integer("FPS", &c.Transcoder.Profile.FPS)
	p.integer("BITRATE_KBPS", &c.Transcoder.Profile.BitrateKbps)
	p.str("CODEC", &c.Transcoder.Profile.Codec)
	var container string
	if p.str("CONTAINER", &container) {
		c.Transcoder.Profile.Container = transcoder.Container(strings.ToLower(container))
	}

	p.integer("CHUNK_SIZE", &c.ChunkSize)
	p.duration("STALL_THRESHOLD", &c.StallThreshold)
	p.duration("GRACEFUL_STOP", &c.GracefulStop)
	p.duration("HEALTH_TICK", &c.TickInterval)
	p.duration("SEND_TIMEOUT", &c.SendTimeout)
	p.integer("QUEUE_SIZE", &c.QueueSize)
	p.integer("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	p.duration("RETRY_INITIAL_BACKOFF", &c.Retry.InitialBackoff)
	p.duration("RETRY_MAX_BACKOFF", &c.Retry.MaxBackoff)
	p.boolean("AUTO_START", &c.AutoStart)
	p.duration("IDLE_STOP", &c.IdleStop)
	p.duration("STATS_LOG_INTERVAL", &c.StatsLogInterval)

	p.list("ALLOWED_ORIGINS", &c.AllowedOrigins)
	p.duration("WS_PING_INTERVAL", &c.PingInterval)
	p.list("ICE_SERVERS", &c.ICEServers)
	p.list("PUSH_TARGETS", &c.PushTargets)
	p.float("RATE_GLOBAL_RPS", &c.RateLimit.GlobalRPS)
	p.integer("RATE_GLOBAL_BURST", &c.RateLimit.GlobalBurst)
	p.integer("RATE_CONNECT_LIMIT", &c.RateLimit.ConnectLimit)
	p.duration("RATE_CONNECT_WINDOW", &c.RateLimit.ConnectWindow)
	p.boolean("RATE_TRUST_FORWARDED_HEADERS", &c.RateLimit.TrustForwardedHeaders)

	p.str("REDIS_ADDR", &c.Redis.Addr)
	p.str("REDIS_PASSWORD", &c.Redis.Password)
	p.str("REDIS_STREAM", &c.Redis.Stream)
	p.int64("REDIS_MAXLEN", &c.Redis.MaxLen)
	p.str("POSTGRES_DSN", &c.Postgres.DSN)
	p.duration("POSTGRES_ACQUIRE_TIMEOUT", &c.Postgres.AcquireTimeout)

	return errors.Join(p.errs...)
}

type envParser struct {
	env  layeredEnv
	errs []error
}

func (p *envParser) value(name string) (string, string, bool) {
	key := envPrefix + name
	v, ok := p.env.lookup(key)
	return key, v, ok && v != ""
}

func (p *envParser) str(name string, dst *string) bool {
	_, v, ok := p.value(name)
	if ok {
		*dst = v
	}
	return ok
}

func (p *envParser) integer(name string, dst *int) {
	key, v, ok := p.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) int64(name string, dst *int64) {
	key, v, ok := p.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) float(name string, dst *float64) {
	key, v, ok := p.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) boolean(name string, dst *bool) {
	key, v, ok := p.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) duration(name string, dst *time.Duration) {
	key, v, ok := p.value(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) list(name string, dst *[]string) {
	_, v, ok := p.value(name)
	if !ok {
		return
	}
	*dst = splitList(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// listFlag is a repeatable flag that also accepts comma separated values.
// The first Set replaces any default taken from the environment.
type listFlag struct {
	values *[]string
	set    bool
}

func (l *listFlag) String() string {
	if l == nil || l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l *listFlag) Set(value string) error {
	items := splitList(value)
	if len(items) == 0 {
		return errors.New("value must not be empty")
	}
	if !l.set {
		*l.values = nil
		l.set = true
	}
	*l.values = append(*l.values, items...)
	return nil
}
