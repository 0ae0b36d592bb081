package network_state

import (
	"math/rand"
	"sync"

	"proximity-server/config"
)

// SpawnFactory places new players either at a fixed point or uniformly inside a square.
type SpawnFactory struct {
	mu     sync.Mutex
	rng    *rand.Rand
	mode   string
	fixed  [2]float64
	radius float64
	size   float64
}

// NewSpawnFactory creates a factory seeded for reproducible random spawns.
func NewSpawnFactory(seed int64, cfg config.Config) *SpawnFactory {
	return &SpawnFactory{
		rng:    rand.New(rand.NewSource(seed)),
		mode:   cfg.SpawnMode,
		fixed:  [2]float64{cfg.SpawnX, cfg.SpawnY},
		radius: cfg.SpawnRadius,
		size:   cfg.PlayerSize,
	}
}

// Spawn creates the player record for a newly connected id.
func (f *SpawnFactory) Spawn(id string) *Player {
	x, y := f.fixed[0], f.fixed[1]
	if f.mode == config.SpawnModeRandom && f.radius > 0 {
		f.mu.Lock()
		x = f.rng.Float64() * f.radius
		y = f.rng.Float64() * f.radius
		f.mu.Unlock()
	}
	return NewPlayer(id, x, y, f.size)
}
