// Package config loads the signaling daemon's configuration from
// environment variables and flags, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr     = "IGLU_SIGNALING_LISTEN_ADDR"
	envVarPublicBaseURL  = "IGLU_SIGNALING_PUBLIC_BASE_URL"
	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarMode           = "IGLU_SIGNALING_MODE"
	envVarLogFormat      = "IGLU_SIGNALING_LOG_FORMAT"
	envVarLogLevel       = "IGLU_SIGNALING_LOG_LEVEL"
	envVarShutdown       = "IGLU_SIGNALING_SHUTDOWN_TIMEOUT"

	// Room/participant quotas.
	envVarMaxRooms               = "MAX_ROOMS"
	envVarMaxParticipantsPerRoom = "MAX_PARTICIPANTS_PER_ROOM"
	envVarRoomTTL                = "ROOM_TTL"

	// WebSocket signaling hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout                 = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval                = "SIGNALING_WS_PING_INTERVAL"

	// Join-token auth.
	envVarAuthMode  = "AUTH_MODE"
	envVarJWTSecret = "JWT_SECRET"
	envVarTokenTTL  = "JOIN_TOKEN_TTL"

	// Presence store.
	envVarRedisAddr     = "REDIS_ADDR"
	envVarRedisPassword = "REDIS_PASSWORD"
	envVarRedisDB       = "REDIS_DB"

	// ICE servers handed to clients.
	envVarStunURLs       = "IGLU_STUN_URLS"
	envVarTurnURLs       = "IGLU_TURN_URLS"
	envVarTurnUsername   = "IGLU_TURN_USERNAME"
	envVarTurnCredential = "IGLU_TURN_CREDENTIAL"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr                    = "127.0.0.1:8080"
	DefaultShutdown                      = 15 * time.Second
	DefaultMaxParticipantsPerRoom        = 8
	DefaultRoomTTL                       = 24 * time.Hour
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSPingInterval                = 54 * time.Second
	DefaultTokenTTL                      = 12 * time.Hour
	DefaultTURNRESTTTLSeconds            = int64(600)
	DefaultTURNRESTUsernamePrefix        = "iglu"
	DefaultMode                          = ModeDev
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
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type Config struct {
	ListenAddr     string
	PublicBaseURL  string
	AllowedOrigins []string
	Mode           Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	MaxRooms               int
	MaxParticipantsPerRoom int
	RoomTTL                time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	WSIdleTimeout                 time.Duration
	WSPingInterval                time.Duration

	AuthMode  AuthMode
	JWTSecret string
	TokenTTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ICE  ICEConfig
	TURN TURNRESTConfig
}

type TURNRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (t TURNRESTConfig) Enabled() bool { return strings.TrimSpace(t.SharedSecret) != "" }

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))

	logFormatStr := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeStr))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeStr))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdown, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	maxRooms, err := envIntOrDefault(lookup, envVarMaxRooms, 0)
	if err != nil {
		return Config{}, err
	}
	maxParticipants, err := envIntOrDefault(lookup, envVarMaxParticipantsPerRoom, DefaultMaxParticipantsPerRoom)
	if err != nil {
		return Config{}, err
	}
	roomTTL, err := envDurationOrDefault(lookup, envVarRoomTTL, DefaultRoomTTL)
	if err != nil {
		return Config{}, err
	}

	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMsgRate, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	tokenTTL, err := envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL)
	if err != nil {
		return Config{}, err
	}

	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnCredential := envOrDefault(lookup, envVarTurnCredential, "")

	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTL := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTL = n
	}
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	fs := flag.NewFlagSet("iglu-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Max concurrent rooms, 0 = unlimited (env "+envVarMaxRooms+")")
	fs.IntVar(&maxParticipants, "max-participants-per-room", maxParticipants, "Max participants per room (env "+envVarMaxParticipantsPerRoom+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Join auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the presence store; empty = in-memory (env "+envVarRedisAddr+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs handed to clients (env "+envVarStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs handed to clients (env "+envVarTurnURLs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
	}
	if maxParticipants < 2 {
		return Config{}, fmt.Errorf("%s must be >= 2, got %d", envVarMaxParticipantsPerRoom, maxParticipants)
	}

	allowedOrigins := splitCommaSeparated(allowedOriginsStr)

	ice, err := parseICEFromValues(stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:     listenAddr,
		PublicBaseURL:  publicBaseURL,
		AllowedOrigins: allowedOrigins,
		Mode:           mode,

		LogFormat: logFormat,
		LogLevel:  logLevel,

		ShutdownTimeout: shutdownTimeout,

		MaxRooms:               maxRooms,
		MaxParticipantsPerRoom: maxParticipants,
		RoomTTL:                roomTTL,

		MaxSignalingMessageBytes:      int64(maxMsgBytes),
		MaxSignalingMessagesPerSecond: maxMsgRate,
		WSIdleTimeout:                 wsIdleTimeout,
		WSPingInterval:                wsPingInterval,

		AuthMode:  authMode,
		JWTSecret: jwtSecret,
		TokenTTL:  tokenTTL,

		RedisAddr:     redisAddr,
		RedisPassword: redisPassword,
		RedisDB:       redisDB,

		ICE: ice,
		TURN: TURNRESTConfig{
			SharedSecret:   turnRESTSecret,
			TTLSeconds:     turnRESTTTL,
			UsernamePrefix: turnRESTPrefix,
			Realm:          turnRESTRealm,
		},
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProd) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProd) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.TrimSpace(raw)) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	}
	return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.TrimSpace(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	}
	return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
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
	}
	return 0, fmt.Errorf("invalid log level %q", raw)
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.TrimSpace(raw)) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	}
	return "", fmt.Errorf("invalid auth mode %q (want none or jwt)", raw)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
