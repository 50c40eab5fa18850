package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Scene is a named lighting preset defined on the network. Scenes only
// exist in the static network listing; they carry no live state beyond the
// last value this process targeted.
type Scene struct {
	mu sync.RWMutex

	networkID string
	id        int
	wire      int
	owner     Owner

	name  string
	state string
	value float64
}

func (s *Scene) ID() int { return s.id }

func (s *Scene) NetworkID() string { return s.networkID }

func (s *Scene) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Scene) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Activate turns the scene on at full level.
func (s *Scene) Activate() error { return s.setValue(1) }

// Deactivate turns the scene off.
func (s *Scene) Deactivate() error { return s.setValue(0) }

func (s *Scene) setValue(value float64) error {
	s.mu.Lock()
	owner := s.owner
	networkID := s.networkID
	message := map[string]any{
		"wire":           s.wire,
		"method":         "controlScene",
		"id":             s.id,
		"targetControls": map[string]any{controlDimmer: map[string]any{"value": value}},
	}
	s.value = value
	if value == 0 {
		s.state = UnitStateOff
	} else {
		s.state = UnitStateOn
	}
	s.mu.Unlock()

	if owner == nil {
		return errors.New("scene has no owning controller")
	}
	return owner.SendMessage(networkID, message)
}

func (s *Scene) setWire(wire int) {
	s.mu.Lock()
	s.wire = wire
	s.mu.Unlock()
}

// Scenes tracks the scenes of one network.
type Scenes struct {
	mu        sync.RWMutex
	networkID string
	logger    *slog.Logger
	scenes    map[int]*Scene
}

// NewScenes builds the collection from the raw scenes listing of a network
// information response.
func NewScenes(networkID string, listing map[string]any, owner Owner, logger *slog.Logger) *Scenes {
	ss := &Scenes{
		networkID: networkID,
		logger:    logger.With("component", "scenes", "network", networkID),
		scenes:    make(map[int]*Scene),
	}
	for rawID, raw := range listing {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := asInt(rawID)
		if !ok {
			id, ok = asInt(fields["id"])
		}
		if !ok {
			ss.logger.Warn("skipping scene with unparsable id", "raw", rawID)
			continue
		}
		scene := &Scene{
			networkID: networkID,
			id:        id,
			owner:     owner,
			state:     UnitStateOff,
		}
		if name, ok := asString(fields["name"]); ok {
			scene.name = strings.TrimSpace(name)
		}
		if scene.name == "" {
			scene.name = fmt.Sprintf("scene %d", id)
		}
		ss.scenes[id] = scene
	}
	return ss
}

// SetWire cascades the network's wire id to every scene.
func (ss *Scenes) SetWire(wire int) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	for _, s := range ss.scenes {
		s.setWire(wire)
	}
}

// Get returns the scene with the given id.
func (ss *Scenes) Get(id int) (*Scene, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.scenes[id]
	return s, ok
}

// All returns every scene, ordered by id.
func (ss *Scenes) All() []*Scene {
	ss.mu.RLock()
	out := make([]*Scene, 0, len(ss.scenes))
	for _, s := range ss.scenes {
		out = append(out, s)
	}
	ss.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of known scenes.
func (ss *Scenes) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.scenes)
}
