package mesh

import (
	"log"
	"sync"
	"time"
)

const (
	// FrontierCloseThreshold is the distance (map units) under which a robot
	// counts as being at a frontier.
	FrontierCloseThreshold = 1.0
	// FrontierStuckTimeout is how long a robot may stay close to a frontier
	// that does not resolve before the frontier is blacklisted.
	FrontierStuckTimeout = 10 * time.Second
)

type frontierKey struct {
	agent string
	cell  Cell
}

type pendingFrontier struct {
	firstSeen  time.Time
	closeCount int
}

// FrontierMemory tracks frontiers a robot has been near without resolving.
// Entries that outlive FrontierStuckTimeout are promoted to a blacklist that
// lasts for the lifetime of the instance.
type FrontierMemory struct {
	mu        sync.Mutex
	clock     Clock
	pending   map[frontierKey]*pendingFrontier
	blacklist map[frontierKey]struct{}
}

// NewFrontierMemory creates an empty memory reading time from clock.
func NewFrontierMemory(clock Clock) *FrontierMemory {
	if clock == nil {
		clock = WallClock{}
	}
	return &FrontierMemory{
		clock:     clock,
		pending:   make(map[frontierKey]*pendingFrontier),
		blacklist: make(map[frontierKey]struct{}),
	}
}

// IsBlacklisted reports whether the (agent, cell) pair has been abandoned.
func (m *FrontierMemory) IsBlacklisted(agent string, cell Cell) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[frontierKey{agent, cell}]
	return ok
}

// Evaluate records one observation of cell at the given robot distance and
// reports whether the frontier should be skipped as unreachable.
func (m *FrontierMemory) Evaluate(agent string, cell Cell, distance float64) bool {
	key := frontierKey{agent, cell}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blacklist[key]; ok {
		return true
	}

	if distance > FrontierCloseThreshold {
		delete(m.pending, key)
		return false
	}

	now := m.clock.Now()
	entry, ok := m.pending[key]
	// A zero firstSeen was stamped before simulated time started.
	if !ok || entry.firstSeen.IsZero() {
		m.pending[key] = &pendingFrontier{firstSeen: now, closeCount: 1}
		return false
	}
	entry.closeCount++

	if now.Sub(entry.firstSeen) > FrontierStuckTimeout {
		log.Printf("[EXPLORE] Warning: permanently blacklisting unreachable frontier (%d, %d) for %s after %d close observations",
			cell.Row, cell.Col, agent, entry.closeCount)
		delete(m.pending, key)
		m.blacklist[key] = struct{}{}
		return true
	}
	return false
}

// FrontierMemoryStats is a point-in-time summary for status reporting.
type FrontierMemoryStats struct {
	Pending     map[string]int `json:"pending"`
	Blacklisted map[string]int `json:"blacklisted"`
}

// Stats counts pending and blacklisted frontiers per agent.
func (m *FrontierMemory) Stats() FrontierMemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := FrontierMemoryStats{
		Pending:     make(map[string]int),
		Blacklisted: make(map[string]int),
	}
	for k := range m.pending {
		stats.Pending[k.agent]++
	}
	for k := range m.blacklist {
		stats.Blacklisted[k.agent]++
	}
	return stats
}
