package movement

import (
	"time"

	"proximity-server/network_state"
)

// Bounds clamps positions to [0,Width]x[0,Height]. A zero dimension disables that axis.
type Bounds struct {
	Width  float64
	Height float64
}

// Simulator advances players from their staged input once per tick.
type Simulator struct {
	TickInterval time.Duration
	Speed        float64
	Bounds       Bounds
}

// Stats counts what a Step did, for channel metrics.
type Stats struct {
	Accepted  int
	Stale     int
	Overrides int
	Idled     int
}

// Step applies overrides and pending input to every player and reports whether any
// observable state changed. Every staged override and input is consumed.
func (s Simulator) Step(players map[string]*network_state.Player, inputs map[string]*network_state.InputRecord, overrides map[string]*network_state.MovementOverride) (bool, Stats) {
	var st Stats
	changed := false
	dt := s.TickInterval.Seconds()

	for id, p := range players {
		in, hasInput := inputs[id]
		if hasInput {
			delete(inputs, id)
		}

		if ov, ok := overrides[id]; ok {
			delete(overrides, id)
			p.X, p.Y = s.clamp(ov.X, ov.Y)
			if ov.AnimationState != nil {
				p.AnimationState = *ov.AnimationState
			}
			// the override wins; the same-tick input must not replay later
			if hasInput && in.Seq > p.LastProcessedInputSeq {
				p.LastProcessedInputSeq = in.Seq
			}
			st.Overrides++
			changed = true
			continue
		}

		if hasInput && in.Seq > p.LastProcessedInputSeq {
			p.LastProcessedInputSeq = in.Seq
			p.Velocity = velocityFor(in.Keys, s.Speed)
			p.X, p.Y = s.clamp(p.X+p.Velocity.X*dt, p.Y+p.Velocity.Y*dt)
			if dir, moving := directionFor(in.Keys); moving {
				p.AnimationState = network_state.AnimationState{Direction: dir, Moving: true}
			} else {
				p.AnimationState.Moving = false
			}
			st.Accepted++
			changed = true
			continue
		}

		if hasInput {
			st.Stale++
		}

		if p.AnimationState.Moving {
			p.AnimationState.Moving = false
			p.Velocity = network_state.Velocity{}
			st.Idled++
			changed = true
		}
	}
	return changed, st
}

// velocityFor resets velocity and sets each axis from the keys. Right beats left and up
// beats down when both of a pair are held.
func velocityFor(k network_state.Keys, speed float64) network_state.Velocity {
	var v network_state.Velocity
	switch {
	case k.Right:
		v.X = speed
	case k.Left:
		v.X = -speed
	}
	switch {
	case k.Up:
		v.Y = -speed
	case k.Down:
		v.Y = speed
	}
	return v
}

// directionFor picks the facing in priority order right, left, up, down.
func directionFor(k network_state.Keys) (network_state.Direction, bool) {
	switch {
	case k.Right:
		return network_state.DirectionRight, true
	case k.Left:
		return network_state.DirectionLeft, true
	case k.Up:
		return network_state.DirectionUp, true
	case k.Down:
		return network_state.DirectionDown, true
	}
	return "", false
}

func (s Simulator) clamp(x, y float64) (float64, float64) {
	if s.Bounds.Width > 0 {
		x = clampAxis(x, s.Bounds.Width)
	}
	if s.Bounds.Height > 0 {
		y = clampAxis(y, s.Bounds.Height)
	}
	return x, y
}

func clampAxis(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
