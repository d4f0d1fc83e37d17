package mesh

import (
	"fmt"
	"log"
	"sync"
)

// Params are the settings that may change while the service runs.
type Params struct {
	MinUnknownCells     int     `json:"minUnknownCells"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	TFPublishFrequency  float64 `json:"tfPublishFrequency"`
	MapPublishFrequency float64 `json:"mapPublishFrequency"`
	UseSimTime          bool    `json:"useSimTime"`
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		MinUnknownCells:     DefaultMinUnknownCells,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		TFPublishFrequency:  DefaultTFPublishFrequency,
		MapPublishFrequency: DefaultMapPublishFrequency,
	}
}

// ParamsFromConfig extracts the runtime parameters from a loaded config.
func ParamsFromConfig(cfg *Config) Params {
	return Params{
		MinUnknownCells:     cfg.Exploration.MinUnknownCells,
		ConfidenceThreshold: cfg.Fusion.ConfidenceThreshold,
		TFPublishFrequency:  cfg.Fusion.TFPublishFrequency,
		MapPublishFrequency: cfg.Fusion.MapPublishFrequency,
		UseSimTime:          cfg.UseSimTime,
	}
}

// Validate rejects values the loops cannot run with.
func (p Params) Validate() error {
	if p.MinUnknownCells < 0 || p.MinUnknownCells > 25 {
		return fmt.Errorf("minUnknownCells must be within [0, 25], got %d", p.MinUnknownCells)
	}
	if p.ConfidenceThreshold < 0 {
		return fmt.Errorf("confidenceThreshold must be non-negative, got %v", p.ConfidenceThreshold)
	}
	if p.TFPublishFrequency <= 0 {
		return fmt.Errorf("tfPublishFrequency must be positive, got %v", p.TFPublishFrequency)
	}
	if p.MapPublishFrequency <= 0 {
		return fmt.Errorf("mapPublishFrequency must be positive, got %v", p.MapPublishFrequency)
	}
	return nil
}

// FrontierParams derives the frontier predicate thresholds.
func (p Params) FrontierParams() FrontierParams {
	return FrontierParams{
		MinUnknownCells:  p.MinUnknownCells,
		MaxOccupiedCells: DefaultMaxOccupiedCells,
	}
}

// ParamSource supplies the current parameters to the cycles.
type ParamSource interface {
	Params() Params
}

// ParamStore holds the live parameters and notifies listeners on change.
type ParamStore struct {
	mu        sync.RWMutex
	params    Params
	listeners []func(old, updated Params)
}

// NewParamStore creates a store seeded with p.
func NewParamStore(p Params) *ParamStore {
	return &ParamStore{params: p}
}

// Params returns a copy of the current parameters.
func (s *ParamStore) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// OnChange registers fn to run after every successful update.
func (s *ParamStore) OnChange(fn func(old, updated Params)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update validates and applies p, logging each changed field. Invalid
// parameters leave the store untouched.
func (s *ParamStore) Update(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("rejecting parameter update: %w", err)
	}

	s.mu.Lock()
	old := s.params
	s.params = p
	listeners := append([]func(old, updated Params){}, s.listeners...)
	s.mu.Unlock()

	if old == p {
		return nil
	}
	if old.MinUnknownCells != p.MinUnknownCells {
		log.Printf("[CONFIG] Updating minimum unknown cells threshold to %d", p.MinUnknownCells)
	}
	if old.ConfidenceThreshold != p.ConfidenceThreshold {
		log.Printf("[CONFIG] Updating confidence threshold to %.1f", p.ConfidenceThreshold)
	}
	if old.TFPublishFrequency != p.TFPublishFrequency {
		log.Printf("[CONFIG] Updating transform publish frequency to %.1f Hz", p.TFPublishFrequency)
	}
	if old.MapPublishFrequency != p.MapPublishFrequency {
		log.Printf("[CONFIG] Updating map publish frequency to %.1f Hz", p.MapPublishFrequency)
	}
	if old.UseSimTime != p.UseSimTime {
		log.Printf("[CONFIG] Switching clock source (useSimTime=%v)", p.UseSimTime)
	}
	for _, fn := range listeners {
		fn(old, p)
	}
	return nil
}
