package config

import "time"

// Simulation defaults
const (
	DefaultTickInterval  = 15 * time.Millisecond // Tick cadence for movement, grouping and media reconciliation
	DefaultMovementSpeed = 120.0                 // World units per second on each axis
	DefaultPlayerSize    = 15.0                  // Collision radius proxy reported to clients
)

// Proximity defaults
const (
	DefaultChatProximityThreshold  = 50.0
	DefaultMediaProximityThreshold = 50.0
	DefaultTransitiveGrouping      = true
)

// Relay defaults
const (
	DefaultRelayWorkers           = 3
	DefaultRelayListenIP          = "127.0.0.1"
	DefaultRTCMinPort             = 10000
	DefaultRTCMaxPort             = 10100
	DefaultInitialOutgoingBitrate = 1000000
)

// Spawn modes
const (
	SpawnModeFixed  = "fixed"
	SpawnModeRandom = "random"
)

// DefaultPlayerSpawn is the fixed spawn point used when SPAWN_MODE=fixed.
var DefaultPlayerSpawn = [2]float64{100, 100}

// DefaultSpawnRadius bounds random spawns to [0, radius) on each axis.
const DefaultSpawnRadius = 500.0

// Transport defaults
const (
	DefaultListenAddr       = ":8080"
	DefaultGRPCAddr         = ":9090"
	DefaultPingInterval     = 2 * time.Second
	DefaultPongWait         = 7 * time.Second
	DefaultSendBuffer       = 256
	DefaultMaxMessageLength = 1000
	DefaultAPITimeout       = 15 * time.Second
)

// Channel IDs
const (
	ChannelLobbyID = "lobby"
)

// DefaultChannelID is the channel clients join when none is requested.
const DefaultChannelID = ChannelLobbyID

// Logging defaults
const (
	DefaultLogFile  = "proximity-server.log"
	DefaultLogLevel = "info"
)
