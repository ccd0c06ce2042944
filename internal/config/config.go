package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangerlink/signal-server/internal/origin"
)

const envPrefix = "STRANGERLINK_"

const (
	envVarConfigFile      = envPrefix + "CONFIG"
	envVarListenAddr      = envPrefix + "LISTEN_ADDR"
	envVarPublicBaseURL   = envPrefix + "PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = envPrefix + "MODE"
	envVarLogFormat       = envPrefix + "LOG_FORMAT"
	envVarLogLevel        = envPrefix + "LOG_LEVEL"
	envVarShutdownTimeout = envPrefix + "SHUTDOWN_TIMEOUT"

	envVarAuthMode             = "AUTH_MODE"
	envVarAPIKey               = "API_KEY"
	envVarJWTSecret            = "JWT_SECRET"
	envVarSignalingAuthTimeout = "SIGNALING_AUTH_TIMEOUT"

	envVarWSIdleTimeout        = envPrefix + "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = envPrefix + "WS_PING_INTERVAL"
	envVarMaxMessageBytes      = envPrefix + "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = envPrefix + "MAX_MESSAGES_PER_SECOND"
	envVarMaxConnections       = envPrefix + "MAX_CONNECTIONS"
	envVarSendQueueSize        = envPrefix + "SEND_QUEUE_SIZE"
	envVarStrictSignaling      = envPrefix + "STRICT_SIGNALING"
	envVarTrustProxy           = envPrefix + "TRUST_PROXY"

	envVarMatchNotifyDelay    = envPrefix + "MATCH_NOTIFY_DELAY"
	envVarSkipRequeueDelay    = envPrefix + "SKIP_REQUEUE_DELAY"
	envVarPartnerRequeue      = envPrefix + "PARTNER_REQUEUE"
	envVarPartnerRequeueDelay = envPrefix + "PARTNER_REQUEUE_DELAY"
	envVarSweepInterval       = envPrefix + "SWEEP_INTERVAL"
	envVarSweepCooldown       = envPrefix + "SWEEP_COOLDOWN"
	envVarEventQueueSize      = envPrefix + "EVENT_QUEUE_SIZE"
	envVarTelemetryQueueSize  = envPrefix + "TELEMETRY_QUEUE_SIZE"
	envVarRecordTimeout       = envPrefix + "RECORD_TIMEOUT"

	envVarDatabaseURL    = "DATABASE_URL"
	envVarDatabaseDriver = envPrefix + "DATABASE_DRIVER"

	envVarGeoProvider   = envPrefix + "GEO_PROVIDER"
	envVarIPInfoToken   = "IPINFO_TOKEN"
	envVarIPInfoBaseURL = envPrefix + "IPINFO_BASE_URL"
	envVarGeoCacheSize  = envPrefix + "GEO_CACHE_SIZE"
	envVarGeoTimeout    = envPrefix + "GEO_TIMEOUT"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultMode       = ModeDev
	DefaultShutdown   = 15 * time.Second

	DefaultSignalingAuthTimeout = 2 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultMaxConnections       = 10000
	DefaultSendQueueSize        = 256

	DefaultMatchNotifyDelay    = 0
	DefaultSkipRequeueDelay    = 500 * time.Millisecond
	DefaultPartnerRequeueDelay = time.Second
	DefaultSweepInterval       = 1500 * time.Millisecond
	DefaultSweepCooldown       = time.Second
	DefaultEventQueueSize      = 4096
	DefaultTelemetryQueueSize  = 8192
	DefaultRecordTimeout       = 5 * time.Second

	DefaultIPInfoBaseURL = "https://ipinfo.io"
	DefaultGeoCacheSize  = 10000
	DefaultGeoTimeout    = 2 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "strangerlink"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type DatabaseDriver string

const (
	// DatabaseDriverPG is uptrace/bun's native pgdriver.
	DatabaseDriverPG DatabaseDriver = "pgdriver"
	// DatabaseDriverPQ is lib/pq behind database/sql.
	DatabaseDriverPQ DatabaseDriver = "pq"
)

type GeoProvider string

const (
	GeoProviderNone   GeoProvider = "none"
	GeoProviderIPInfo GeoProvider = "ipinfo"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// ConfigFile is the file layer that was read, if any.
	ConfigFile string

	AuthMode             AuthMode
	APIKey               string
	JWTSecret            string
	SignalingAuthTimeout time.Duration

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MaxConnections       int
	SendQueueSize        int
	StrictSignaling      bool
	TrustProxy           bool

	MatchNotifyDelay    time.Duration
	SkipRequeueDelay    time.Duration
	PartnerRequeue      bool
	PartnerRequeueDelay time.Duration
	SweepInterval       time.Duration
	SweepCooldown       time.Duration
	EventQueueSize      int
	TelemetryQueueSize  int
	RecordTimeout       time.Duration

	DatabaseURL    string
	DatabaseDriver DatabaseDriver

	GeoProvider   GeoProvider
	IPInfoToken   string
	IPInfoBaseURL string
	GeoCacheSize  int
	GeoTimeout    time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. Startup keeps
// going so /readyz can surface the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads defaults, the optional config file named by
// STRANGERLINK_CONFIG, the environment and finally args, each layer
// overriding the one before.
func Load(args []string) (Config, error) {
	lookup, path, err := withConfigFile(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	cfg, err := load(lookup, args)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// env wraps a lookup so every parse error names the variable.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return d
}

func (e *env) integer(key string, fallback int) int {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return n
}

func (e *env) integer64(key string, fallback int64) int64 {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return n
}

func (e *env) boolean(key string, fallback bool) bool {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return v
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	e := &env{lookup: lookup}

	modeDefault := e.str(envVarMode, string(DefaultMode))
	logFormatDefault := e.str(envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := e.str(envVarLogLevel, defaultLogLevelForMode(modeDefault))

	var (
		listenAddr        = e.str(envVarListenAddr, DefaultListenAddr)
		publicBaseURL     = e.str(envVarPublicBaseURL, "")
		allowedOriginsStr = e.str(envVarAllowedOrigins, "")
		shutdownTimeout   = e.duration(envVarShutdownTimeout, DefaultShutdown)

		authModeStr          = e.str(envVarAuthMode, string(AuthModeNone))
		apiKey               = e.str(envVarAPIKey, "")
		jwtSecret            = e.str(envVarJWTSecret, "")
		signalingAuthTimeout = e.duration(envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)

		wsIdleTimeout        = e.duration(envVarWSIdleTimeout, DefaultWSIdleTimeout)
		wsPingInterval       = e.duration(envVarWSPingInterval, DefaultWSPingInterval)
		maxMessageBytes      = e.integer64(envVarMaxMessageBytes, DefaultMaxMessageBytes)
		maxMessagesPerSecond = e.integer(envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
		maxConnections       = e.integer(envVarMaxConnections, DefaultMaxConnections)
		sendQueueSize        = e.integer(envVarSendQueueSize, DefaultSendQueueSize)
		strictSignaling      = e.boolean(envVarStrictSignaling, true)
		trustProxy           = e.boolean(envVarTrustProxy, false)

		matchNotifyDelay    = e.duration(envVarMatchNotifyDelay, DefaultMatchNotifyDelay)
		skipRequeueDelay    = e.duration(envVarSkipRequeueDelay, DefaultSkipRequeueDelay)
		partnerRequeue      = e.boolean(envVarPartnerRequeue, true)
		partnerRequeueDelay = e.duration(envVarPartnerRequeueDelay, DefaultPartnerRequeueDelay)
		sweepInterval       = e.duration(envVarSweepInterval, DefaultSweepInterval)
		sweepCooldown       = e.duration(envVarSweepCooldown, DefaultSweepCooldown)
		eventQueueSize      = e.integer(envVarEventQueueSize, DefaultEventQueueSize)
		telemetryQueueSize  = e.integer(envVarTelemetryQueueSize, DefaultTelemetryQueueSize)
		recordTimeout       = e.duration(envVarRecordTimeout, DefaultRecordTimeout)

		databaseURL       = e.str(envVarDatabaseURL, "")
		databaseDriverStr = e.str(envVarDatabaseDriver, string(DatabaseDriverPG))

		geoProviderStr = e.str(envVarGeoProvider, string(GeoProviderIPInfo))
		ipinfoToken    = e.str(envVarIPInfoToken, "")
		ipinfoBaseURL  = e.str(envVarIPInfoBaseURL, DefaultIPInfoBaseURL)
		geoCacheSize   = e.integer(envVarGeoCacheSize, DefaultGeoCacheSize)
		geoTimeout     = e.duration(envVarGeoTimeout, DefaultGeoTimeout)

		iceServersJSON = e.str(envICEServersJSON, "")
		stunURLs       = e.str(envStunURLs, "")
		turnURLs       = e.str(envTurnURLs, "")
		turnUsername   = e.str(envTurnUsername, "")
		turnCredential = e.str(envTurnCredential, "")

		turnRESTSharedSecret   = e.str(envVarTURNRESTSharedSecret, "")
		turnRESTTTLSeconds     = e.integer64(envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
		turnRESTUsernamePrefix = e.str(envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
		turnRESTRealm          = e.str(envVarTURNRESTRealm, "")
	)
	if e.err != nil {
		return Config{}, e.err
	}

	fs := flag.NewFlagSet("strangerlink-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Auth mode: none, api_key or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for auth-mode=api_key (env "+envVarAPIKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for auth-mode=jwt (env "+envVarJWTSecret+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Time allowed for the in-band auth message (env "+envVarSignalingAuthTimeout+")")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close WebSocket connections idle for this long (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "WebSocket ping interval (env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Max concurrent WebSocket connections (env "+envVarMaxConnections+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Outbound messages buffered per connection (env "+envVarSendQueueSize+")")
	fs.BoolVar(&strictSignaling, "strict-signaling", strictSignaling, "Validate relayed SDP and ICE candidates (env "+envVarStrictSignaling+")")
	fs.BoolVar(&trustProxy, "trust-proxy", trustProxy, "Use X-Forwarded-For for the client IP (env "+envVarTrustProxy+")")

	fs.DurationVar(&matchNotifyDelay, "match-notify-delay", matchNotifyDelay, "Delay between the connecting notice and match-found (env "+envVarMatchNotifyDelay+")")
	fs.DurationVar(&skipRequeueDelay, "skip-requeue-delay", skipRequeueDelay, "Delay before a skipping user searches again (env "+envVarSkipRequeueDelay+")")
	fs.BoolVar(&partnerRequeue, "partner-requeue", partnerRequeue, "Put the abandoned partner back into search (env "+envVarPartnerRequeue+")")
	fs.DurationVar(&partnerRequeueDelay, "partner-requeue-delay", partnerRequeueDelay, "Delay before the abandoned partner searches again (env "+envVarPartnerRequeueDelay+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Retry sweep interval; 0 disables (env "+envVarSweepInterval+")")
	fs.DurationVar(&sweepCooldown, "sweep-cooldown", sweepCooldown, "Minimum time between attempts for one candidate (env "+envVarSweepCooldown+")")
	fs.IntVar(&eventQueueSize, "event-queue-size", eventQueueSize, "Session event queue capacity (env "+envVarEventQueueSize+")")
	fs.IntVar(&telemetryQueueSize, "telemetry-queue-size", telemetryQueueSize, "Persistence queue capacity (env "+envVarTelemetryQueueSize+")")
	fs.DurationVar(&recordTimeout, "record-timeout", recordTimeout, "Timeout for one persistence call (env "+envVarRecordTimeout+")")

	fs.StringVar(&databaseURL, "database-url", databaseURL, "PostgreSQL URL; empty keeps records in memory (env "+envVarDatabaseURL+")")
	fs.StringVar(&databaseDriverStr, "database-driver", databaseDriverStr, "Database driver: pgdriver or pq (env "+envVarDatabaseDriver+")")

	fs.StringVar(&geoProviderStr, "geo-provider", geoProviderStr, "Country lookup: none or ipinfo (env "+envVarGeoProvider+")")
	fs.StringVar(&ipinfoToken, "ipinfo-token", ipinfoToken, "ipinfo.io token (env "+envVarIPInfoToken+")")
	fs.StringVar(&ipinfoBaseURL, "ipinfo-base-url", ipinfoBaseURL, "ipinfo.io base URL (env "+envVarIPInfoBaseURL+")")
	fs.IntVar(&geoCacheSize, "geo-cache-size", geoCacheSize, "Country lookup cache entries (env "+envVarGeoCacheSize+")")
	fs.DurationVar(&geoTimeout, "geo-timeout", geoTimeout, "Country lookup timeout (env "+envVarGeoTimeout+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm ("+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	databaseDriver, err := parseDatabaseDriver(databaseDriverStr)
	if err != nil {
		return Config{}, err
	}
	geoProvider, err := parseGeoProvider(geoProviderStr)
	if err != nil {
		return Config{}, err
	}

	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s/--api-key is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s/--jwt-secret is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}

	for _, c := range []struct {
		name, flag string
		d          time.Duration
	}{
		{envVarShutdownTimeout, "--shutdown-timeout", shutdownTimeout},
		{envVarSignalingAuthTimeout, "--signaling-auth-timeout", signalingAuthTimeout},
		{envVarWSIdleTimeout, "--ws-idle-timeout", wsIdleTimeout},
		{envVarWSPingInterval, "--ws-ping-interval", wsPingInterval},
		{envVarRecordTimeout, "--record-timeout", recordTimeout},
		{envVarGeoTimeout, "--geo-timeout", geoTimeout},
	} {
		if c.d <= 0 {
			return Config{}, fmt.Errorf("%s/%s must be > 0", c.name, c.flag)
		}
	}
	for _, c := range []struct {
		name, flag string
		d          time.Duration
	}{
		{envVarMatchNotifyDelay, "--match-notify-delay", matchNotifyDelay},
		{envVarSkipRequeueDelay, "--skip-requeue-delay", skipRequeueDelay},
		{envVarPartnerRequeueDelay, "--partner-requeue-delay", partnerRequeueDelay},
		{envVarSweepInterval, "--sweep-interval", sweepInterval},
		{envVarSweepCooldown, "--sweep-cooldown", sweepCooldown},
	} {
		if c.d < 0 {
			return Config{}, fmt.Errorf("%s/%s must be >= 0", c.name, c.flag)
		}
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval (%s) must be less than %s/--ws-idle-timeout (%s)", envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	}
	for _, c := range []struct {
		name, flag string
		n          int64
	}{
		{envVarMaxMessageBytes, "--max-message-bytes", maxMessageBytes},
		{envVarMaxMessagesPerSecond, "--max-messages-per-second", int64(maxMessagesPerSecond)},
		{envVarMaxConnections, "--max-connections", int64(maxConnections)},
		{envVarSendQueueSize, "--send-queue-size", int64(sendQueueSize)},
		{envVarEventQueueSize, "--event-queue-size", int64(eventQueueSize)},
		{envVarTelemetryQueueSize, "--telemetry-queue-size", int64(telemetryQueueSize)},
		{envVarGeoCacheSize, "--geo-cache-size", int64(geoCacheSize)},
	} {
		if c.n <= 0 {
			return Config{}, fmt.Errorf("%s/%s must be > 0", c.name, c.flag)
		}
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		AuthMode:             authMode,
		APIKey:               apiKey,
		JWTSecret:            jwtSecret,
		SignalingAuthTimeout: signalingAuthTimeout,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		MaxConnections:       maxConnections,
		SendQueueSize:        sendQueueSize,
		StrictSignaling:      strictSignaling,
		TrustProxy:           trustProxy,

		MatchNotifyDelay:    matchNotifyDelay,
		SkipRequeueDelay:    skipRequeueDelay,
		PartnerRequeue:      partnerRequeue,
		PartnerRequeueDelay: partnerRequeueDelay,
		SweepInterval:       sweepInterval,
		SweepCooldown:       sweepCooldown,
		EventQueueSize:      eventQueueSize,
		TelemetryQueueSize:  telemetryQueueSize,
		RecordTimeout:       recordTimeout,

		DatabaseURL:    strings.TrimSpace(databaseURL),
		DatabaseDriver: databaseDriver,

		GeoProvider:   geoProvider,
		IPInfoToken:   ipinfoToken,
		IPInfoBaseURL: strings.TrimRight(ipinfoBaseURL, "/"),
		GeoCacheSize:  geoCacheSize,
		GeoTimeout:    geoTimeout,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseDatabaseDriver(raw string) (DatabaseDriver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DatabaseDriverPG), "pg", "":
		return DatabaseDriverPG, nil
	case string(DatabaseDriverPQ), "postgres":
		return DatabaseDriverPQ, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarDatabaseDriver, raw, DatabaseDriverPG, DatabaseDriverPQ)
	}
}

func parseGeoProvider(raw string) (GeoProvider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(GeoProviderNone), "off", "":
		return GeoProviderNone, nil
	case string(GeoProviderIPInfo):
		return GeoProviderIPInfo, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarGeoProvider, raw, GeoProviderNone, GeoProviderIPInfo)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
