package network_state

import (
	"encoding/json"
	"errors"
)

// AnimationState is the facing and motion flag clients use to pick a sprite.
type AnimationState struct {
	Direction Direction `json:"direction"`
	Moving    bool      `json:"moving"`
}

// Velocity in world units per second.
type Velocity struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Player is the authoritative state of one connection.
type Player struct {
	ID                    string         `json:"id"`
	X                     float64        `json:"x"`
	Y                     float64        `json:"y"`
	Velocity              Velocity       `json:"velocity"`
	Size                  float64        `json:"size"`
	LastProcessedInputSeq uint64         `json:"lastProcessedInput"`
	AnimationState        AnimationState `json:"animationState"`
}

// NewPlayer creates a player at rest facing down.
func NewPlayer(id string, x, y, size float64) *Player {
	return &Player{
		ID:             id,
		X:              x,
		Y:              y,
		Size:           size,
		AnimationState: AnimationState{Direction: DirectionDown},
	}
}

// Keys is the pressed state of the four movement keys.
type Keys struct {
	Up    bool `json:"up"`
	Down  bool `json:"down"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// UnmarshalJSON accepts both {up,down,left,right} and the w/a/s/d layout.
func (k *Keys) UnmarshalJSON(b []byte) error {
	var raw map[string]bool
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	k.Up = raw["up"] || raw["w"]
	k.Down = raw["down"] || raw["s"]
	k.Left = raw["left"] || raw["a"]
	k.Right = raw["right"] || raw["d"]
	return nil
}

// InputRecord is the latest input a client sent. Older records are overwritten, never queued.
type InputRecord struct {
	Keys Keys   `json:"keys"`
	Seq  uint64 `json:"seq"`
}

// MovementOverride is a client-asserted position that wins over input simulation.
type MovementOverride struct {
	X              float64         `json:"x"`
	Y              float64         `json:"y"`
	AnimationState *AnimationState `json:"animationState,omitempty"`
}

var ErrDuplicatePlayer = errors.New("player already registered")
