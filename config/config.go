package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration loaded from the environment (and an optional .env file).
type Config struct {
	ListenAddr string
	GRPCAddr   string

	TickInterval  time.Duration
	MovementSpeed float64
	PlayerSize    float64
	WorldWidth    float64 // 0 disables clamping
	WorldHeight   float64

	ChatProximityThreshold  float64
	MediaProximityThreshold float64
	TransitiveGrouping      bool

	RelayWorkers           int
	RelayListenIP          string
	RelayAnnouncedIP       string
	RTCMinPort             int
	RTCMaxPort             int
	InitialOutgoingBitrate int

	SpawnMode   string
	SpawnX      float64
	SpawnY      float64
	SpawnRadius float64

	Channels       []string
	AllowedOrigins []string

	PingInterval     time.Duration
	PongWait         time.Duration
	SendBuffer       int
	MaxMessageLength int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	StaticDir    string // empty disables the static client

	LogFile  string
	LogLevel string
}

// Load reads the given env files (".env" when none are given) and then the process
// environment. A missing env file is not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := Config{
		ListenAddr:              getEnv("LISTEN_ADDR", DefaultListenAddr),
		GRPCAddr:                getEnvAllowEmpty("GRPC_ADDR", DefaultGRPCAddr),
		TickInterval:            parseDuration(getEnv("TICK_INTERVAL", ""), DefaultTickInterval),
		MovementSpeed:           parseFloat(getEnv("MOVEMENT_SPEED", ""), DefaultMovementSpeed),
		PlayerSize:              parseFloat(getEnv("PLAYER_SIZE", ""), DefaultPlayerSize),
		WorldWidth:              parseFloat(getEnv("WORLD_WIDTH", ""), 0),
		WorldHeight:             parseFloat(getEnv("WORLD_HEIGHT", ""), 0),
		ChatProximityThreshold:  parseFloat(getEnv("CHAT_PROXIMITY_THRESHOLD", ""), DefaultChatProximityThreshold),
		MediaProximityThreshold: parseFloat(getEnv("MEDIA_PROXIMITY_THRESHOLD", ""), DefaultMediaProximityThreshold),
		TransitiveGrouping:      parseBool(getEnv("TRANSITIVE_GROUPING", ""), DefaultTransitiveGrouping),
		RelayWorkers:            parseInt(getEnv("RELAY_WORKERS", ""), DefaultRelayWorkers),
		RelayListenIP:           getEnv("RELAY_LISTEN_IP", DefaultRelayListenIP),
		RelayAnnouncedIP:        getEnv("RELAY_ANNOUNCED_IP", ""),
		RTCMinPort:              parseInt(getEnv("RTC_MIN_PORT", ""), DefaultRTCMinPort),
		RTCMaxPort:              parseInt(getEnv("RTC_MAX_PORT", ""), DefaultRTCMaxPort),
		InitialOutgoingBitrate:  parseInt(getEnv("INITIAL_OUTGOING_BITRATE", ""), DefaultInitialOutgoingBitrate),
		SpawnMode:               strings.ToLower(getEnv("SPAWN_MODE", SpawnModeFixed)),
		SpawnX:                  parseFloat(getEnv("SPAWN_X", ""), DefaultPlayerSpawn[0]),
		SpawnY:                  parseFloat(getEnv("SPAWN_Y", ""), DefaultPlayerSpawn[1]),
		SpawnRadius:             parseFloat(getEnv("SPAWN_RADIUS", ""), DefaultSpawnRadius),
		Channels:                parseList(getEnv("CHANNELS", DefaultChannelID)),
		AllowedOrigins:          parseList(getEnv("ALLOWED_ORIGINS", "*")),
		PingInterval:            parseDuration(getEnv("PING_INTERVAL", ""), DefaultPingInterval),
		PongWait:                parseDuration(getEnv("PONG_WAIT", ""), DefaultPongWait),
		SendBuffer:              parseInt(getEnv("SEND_BUFFER", ""), DefaultSendBuffer),
		MaxMessageLength:        parseInt(getEnv("MAX_MESSAGE_LENGTH", ""), DefaultMaxMessageLength),
		ReadTimeout:             parseDuration(getEnv("API_READ_TIMEOUT", ""), DefaultAPITimeout),
		WriteTimeout:            parseDuration(getEnv("API_WRITE_TIMEOUT", ""), DefaultAPITimeout),
		StaticDir:               getEnv("STATIC_DIR", ""),
		LogFile:                 getEnvAllowEmpty("LOG_FILE", DefaultLogFile),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
	}
	return cfg, cfg.Validate()
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		ListenAddr:              DefaultListenAddr,
		GRPCAddr:                DefaultGRPCAddr,
		TickInterval:            DefaultTickInterval,
		MovementSpeed:           DefaultMovementSpeed,
		PlayerSize:              DefaultPlayerSize,
		ChatProximityThreshold:  DefaultChatProximityThreshold,
		MediaProximityThreshold: DefaultMediaProximityThreshold,
		TransitiveGrouping:      DefaultTransitiveGrouping,
		RelayWorkers:            DefaultRelayWorkers,
		RelayListenIP:           DefaultRelayListenIP,
		RTCMinPort:              DefaultRTCMinPort,
		RTCMaxPort:              DefaultRTCMaxPort,
		InitialOutgoingBitrate:  DefaultInitialOutgoingBitrate,
		SpawnMode:               SpawnModeFixed,
		SpawnX:                  DefaultPlayerSpawn[0],
		SpawnY:                  DefaultPlayerSpawn[1],
		SpawnRadius:             DefaultSpawnRadius,
		Channels:                []string{DefaultChannelID},
		AllowedOrigins:          []string{"*"},
		PingInterval:            DefaultPingInterval,
		PongWait:                DefaultPongWait,
		SendBuffer:              DefaultSendBuffer,
		MaxMessageLength:        DefaultMaxMessageLength,
		ReadTimeout:             DefaultAPITimeout,
		WriteTimeout:            DefaultAPITimeout,
		LogFile:                 DefaultLogFile,
		LogLevel:                DefaultLogLevel,
	}
}

// Validate rejects configurations the tick loop or relay pool cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("TICK_INTERVAL must be positive, got %s", c.TickInterval))
	}
	if c.MovementSpeed <= 0 {
		errs = append(errs, fmt.Errorf("MOVEMENT_SPEED must be positive, got %v", c.MovementSpeed))
	}
	if c.ChatProximityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("CHAT_PROXIMITY_THRESHOLD must be positive, got %v", c.ChatProximityThreshold))
	}
	if c.MediaProximityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MEDIA_PROXIMITY_THRESHOLD must be positive, got %v", c.MediaProximityThreshold))
	}
	if c.RelayWorkers <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_WORKERS must be positive, got %d", c.RelayWorkers))
	}
	if c.RTCMinPort <= 0 || c.RTCMaxPort > 65535 || c.RTCMinPort > c.RTCMaxPort {
		errs = append(errs, fmt.Errorf("invalid RTC port range [%d, %d]", c.RTCMinPort, c.RTCMaxPort))
	}
	if c.SpawnMode != SpawnModeFixed && c.SpawnMode != SpawnModeRandom {
		errs = append(errs, fmt.Errorf("SPAWN_MODE must be %q or %q, got %q", SpawnModeFixed, SpawnModeRandom, c.SpawnMode))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("CHANNELS must name at least one channel"))
	}
	if c.WorldWidth < 0 || c.WorldHeight < 0 {
		errs = append(errs, errors.New("WORLD_WIDTH and WORLD_HEIGHT must not be negative"))
	}
	return errors.Join(errs...)
}

// HasChannel reports whether id is one of the configured channels.
func (c Config) HasChannel(id string) bool {
	for _, ch := range c.Channels {
		if ch == id {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvAllowEmpty lets an explicitly empty variable disable a feature (e.g. GRPC_ADDR=).
func getEnvAllowEmpty(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
