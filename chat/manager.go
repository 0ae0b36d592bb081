package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"proximity-server/protocol"
	"proximity-server/proximity"
)

// NoOneNearbyNotice is sent to a sender who has nobody in range.
const NoOneNearbyNotice = "No one is nearby to hear you"

var (
	ErrEmptyMessage   = fmt.Errorf("%w: message content is empty", protocol.ErrValidation)
	ErrMessageTooLong = fmt.Errorf("%w: message content is too long", protocol.ErrValidation)
	ErrUnknownSender  = errors.New("sender is not connected")
)

// Message is a proximity chat message as fanned out to a group.
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NearbyChange is a player's new nearby list.
type NearbyChange struct {
	PlayerID string
	Nearby   []string
}

// Delivery says who receives a message. NoOneNearby means only the sender is told.
type Delivery struct {
	Message     Message
	Recipients  []string
	NoOneNearby bool
}

// Manager maps proximity groups onto chat routing. Recompute, Deliver and Forget run on
// the tick goroutine; Nearby and Groups may be read from connection handlers.
type Manager struct {
	threshold  float64
	transitive bool
	maxLength  int
	now        func() time.Time

	mu     sync.RWMutex
	groups []proximity.Group
	nearby map[string][]string
}

// NewManager creates a manager. maxLength <= 0 disables the length check.
func NewManager(threshold float64, transitive bool, maxLength int) *Manager {
	return &Manager{
		threshold:  threshold,
		transitive: transitive,
		maxLength:  maxLength,
		now:        time.Now,
		nearby:     make(map[string][]string),
	}
}

// Recompute regroups from scratch and returns the players whose nearby list changed.
// A player seen for the first time always gets its list, even when empty.
func (m *Manager) Recompute(points map[string]proximity.Point) []NearbyChange {
	groups := proximity.FindGroups(points, m.threshold, m.transitive)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.groups = groups
	var changes []NearbyChange
	for _, id := range proximity.SortedIDs(points) {
		next := nearbyFrom(id, groups)
		prev, seen := m.nearby[id]
		if !seen || !equal(prev, next) {
			changes = append(changes, NearbyChange{PlayerID: id, Nearby: next})
		}
		m.nearby[id] = next
	}
	for id := range m.nearby {
		if _, ok := points[id]; !ok {
			delete(m.nearby, id)
		}
	}
	return changes
}

// Deliver routes content from sender to every group it belongs to.
func (m *Manager) Deliver(senderID, content string) (Delivery, error) {
	if err := m.Validate(content); err != nil {
		return Delivery{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.nearby[senderID]; !ok {
		return Delivery{}, ErrUnknownSender
	}
	msg := Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: m.now().UnixMilli(),
	}
	members := proximity.MembersWith(senderID, m.groups)
	if members == nil {
		return Delivery{Message: msg, Recipients: []string{senderID}, NoOneNearby: true}, nil
	}
	return Delivery{Message: msg, Recipients: members}, nil
}

// Validate checks message content without routing it.
func (m *Manager) Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if m.maxLength > 0 && utf8.RuneCountInString(content) > m.maxLength {
		return fmt.Errorf("%w: %d runes, limit %d", ErrMessageTooLong, utf8.RuneCountInString(content), m.maxLength)
	}
	return nil
}

// Nearby returns the last computed nearby list for id (empty when none).
func (m *Manager) Nearby(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.nearby[id]...)
}

// Groups returns a copy of the current group list.
func (m *Manager) Groups() []proximity.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]proximity.Group, len(m.groups))
	for i, g := range m.groups {
		g.MemberIDs = append([]string(nil), g.MemberIDs...)
		out[i] = g
	}
	return out
}

// Forget drops everything remembered about id. Groups are left as computed until the
// next Recompute.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nearby, id)
}

func nearbyFrom(id string, groups []proximity.Group) []string {
	members := proximity.MembersWith(id, groups)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
