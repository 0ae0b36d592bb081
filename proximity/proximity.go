// Package proximity partitions players into groups under a squared-distance predicate.
// Everything here is a pure function of the snapshot it is given.
package proximity

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Point is a position in world units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Group is one proximity group. Members are listed in discovery order.
type Group struct {
	ID        string    `json:"id"`
	MemberIDs []string  `json:"playerIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// Has reports whether id is a member.
func (g Group) Has(id string) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// InRange compares squared distance against the squared threshold.
func InRange(a, b Point, threshold float64) bool {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx+dy*dy <= threshold*threshold
}

// SortedIDs returns the keys of points in ascending order.
func SortedIDs(points map[string]Point) []string {
	ids := make([]string, 0, len(points))
	for id := range points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindGroups computes groups of at least two players.
//
// Transitive mode returns connected components of the proximity graph, found by
// breadth-first expansion. Non-transitive mode takes each not-yet-visited player in id
// order together with its direct neighbours (visited or not); such groups may overlap.
func FindGroups(points map[string]Point, threshold float64, transitive bool) []Group {
	ids := SortedIDs(points)
	visited := make(map[string]bool, len(ids))
	now := time.Now()
	var groups []Group

	for _, id := range ids {
		if visited[id] {
			continue
		}
		visited[id] = true
		members := []string{id}

		if transitive {
			queue := []string{id}
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				for _, other := range ids {
					if visited[other] {
						continue
					}
					if InRange(points[cur], points[other], threshold) {
						visited[other] = true
						members = append(members, other)
						queue = append(queue, other)
					}
				}
			}
		} else {
			for _, other := range ids {
				if other == id {
					continue
				}
				if InRange(points[id], points[other], threshold) {
					visited[other] = true
					members = append(members, other)
				}
			}
		}

		if len(members) >= 2 {
			groups = append(groups, Group{ID: uuid.NewString(), MemberIDs: members, CreatedAt: now})
		}
	}
	return groups
}

// MembersWith returns the sorted union of every group containing id, id included. In
// non-transitive mode groups overlap and a player may sit in several. Nil when id is in
// no group.
func MembersWith(id string, groups []Group) []string {
	seen := make(map[string]bool)
	for _, g := range groups {
		if !g.Has(id) {
			continue
		}
		for _, m := range g.MemberIDs {
			seen[m] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Nearby lists the players directly within threshold of id, sorted.
func Nearby(id string, points map[string]Point, threshold float64) []string {
	self, ok := points[id]
	if !ok {
		return nil
	}
	var out []string
	for _, other := range SortedIDs(points) {
		if other != id && InRange(self, points[other], threshold) {
			out = append(out, other)
		}
	}
	return out
}
