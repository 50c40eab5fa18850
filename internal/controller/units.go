package controller

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

func unitKey(networkID string, unitID int) string {
	return networkID + "-" + strconv.Itoa(unitID)
}

// Units tracks every known unit of one network. The collection is built
// from the static network listing and then kept current by state snapshots
// and push frames.
type Units struct {
	mu        sync.RWMutex
	networkID string
	wire      int
	owner     Owner
	logger    *slog.Logger
	units     map[string]*Unit
}

// NewUnits builds the collection from the raw units listing of a network
// information response. Entries whose id cannot be parsed are skipped.
func NewUnits(networkID string, listing map[string]any, owner Owner, logger *slog.Logger) *Units {
	us := &Units{
		networkID: networkID,
		owner:     owner,
		logger:    logger.With("component", "units", "network", networkID),
		units:     make(map[string]*Unit),
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
			us.logger.Warn("skipping unit with unparsable id", "raw", rawID)
			continue
		}
		u := newUnit(networkID, id, 0, owner)
		if name, ok := asString(fields["name"]); ok {
			u.applyName(strings.TrimSpace(name))
		}
		if addr, ok := asString(fields["address"]); ok {
			u.applyAddress(addr)
		}
		if typ, ok := asString(fields["type"]); ok {
			u.applyType(typ)
		}
		if fw, ok := asString(fields["firmware"]); ok {
			u.applyFirmware(fw)
		}
		if fid, ok := asInt(fields["fixtureId"]); ok {
			u.applyFixtureID(fid)
		}
		if enabled, ok := asBool(fields["enabled"]); ok {
			u.applyEnabled(enabled)
		}
		us.units[u.Key()] = u
	}
	return us
}

// ProcessNetworkState folds a full state snapshot into the collection. A
// snapshot never creates units; unknown ids are skipped. A snapshot without
// a units section is a no-op. Returns the unique ids of the units updated.
func (us *Units) ProcessNetworkState(state map[string]any) []string {
	raw, ok := state["units"].(map[string]any)
	if !ok {
		return nil
	}
	var touched []string
	for rawID, rawUnit := range raw {
		fields, ok := rawUnit.(map[string]any)
		if !ok {
			continue
		}
		id, ok := asInt(rawID)
		if !ok {
			continue
		}
		us.mu.RLock()
		u := us.units[unitKey(us.networkID, id)]
		us.mu.RUnlock()
		if u == nil {
			us.logger.Debug("state snapshot mentions unknown unit", "unit", id)
			continue
		}

		online, _ := asBool(fields["online"])
		u.applyOnline(online)
		if name, ok := asString(fields["name"]); ok {
			u.applyName(strings.TrimSpace(name))
		}
		if fw, ok := asString(fields["firmwareVersion"]); ok {
			u.applyFirmware(fw)
		}
		if fid, ok := asInt(fields["fixtureId"]); ok {
			u.applyFixtureID(fid)
		}

		// Control values are only trustworthy while the device is online.
		// The snapshot's top-level dimLevel is authoritative; the value in
		// the control list is the fallback.
		if online {
			controls := flattenControls(fields["controls"])
			if len(controls) > 0 {
				u.replaceControls(controls)
			}
			v, haveValue := asFloat(fields["dimLevel"])
			if !haveValue {
				v, haveValue = dimmerValue(controls)
			}
			if haveValue {
				if err := u.applyValue(v); err != nil {
					us.logger.Warn("ignoring out-of-range dimmer value",
						"unit", id, "value", v)
				}
			}
		}
		touched = append(touched, u.UniqueID())
	}
	sort.Strings(touched)
	return touched
}

// ProcessUnitEvent applies one unitChanged push frame. A frame whose
// control list carries a dimmer creates the unit if absent, with identity
// fields pulled from the frame's details block when the top level lacks
// them. Frames without an id are discarded. Returns the units touched,
// keyed by unit key.
func (us *Units) ProcessUnitEvent(msg map[string]any) map[string]*Unit {
	id, ok := asInt(msg["id"])
	if !ok {
		us.logger.Warn("discarding unitChanged frame without id")
		return nil
	}

	controls := flattenControls(msg["controls"])
	_, hasDimmer := dimmerValue(controls)

	key := unitKey(us.networkID, id)
	us.mu.Lock()
	u := us.units[key]
	if u == nil {
		// Only a frame carrying a dimmer control is trusted to introduce a
		// unit; anything else about an unknown id is noise.
		if !hasDimmer {
			us.mu.Unlock()
			us.logger.Debug("ignoring frame for unknown unit", "unit", id)
			return nil
		}
		u = newUnit(us.networkID, id, us.wire, us.owner)
		us.units[key] = u
		us.logger.Info("discovered unit from push frame", "unit", id)
	}
	us.mu.Unlock()

	details, _ := msg["details"].(map[string]any)

	if name, ok := asString(msg["name"]); ok && name != "" {
		u.applyName(strings.TrimSpace(name))
	} else if name, ok := asString(details["name"]); ok {
		u.applyName(strings.TrimSpace(name))
	}
	if addr, ok := asString(msg["address"]); ok && addr != "" {
		u.applyAddress(addr)
	} else if addr, ok := asString(details["address"]); ok {
		u.applyAddress(addr)
	}
	if fid, ok := asInt(msg["fixtureId"]); ok {
		u.applyFixtureID(fid)
	} else if fid, ok := asInt(details["fixture"]); ok {
		u.applyFixtureID(fid)
	}
	if model, ok := asString(details["fixture_model"]); ok {
		u.applyFixtureModel(model)
	}
	if oem, ok := asString(details["OEM"]); ok {
		u.applyOEM(oem)
	}
	if online, ok := asBool(msg["online"]); ok {
		u.applyOnline(online)
	}

	u.mergeControls(controls)
	if richer := flattenControls(details["controls"]); len(richer) > 0 {
		u.mergeControls(richer)
	}
	for _, control := range controls {
		kind, _ := asString(control["type"])
		switch kind {
		case controlDimmer:
			if v, ok := asFloat(control["value"]); ok {
				if err := u.applyValue(v); err != nil {
					us.logger.Warn("ignoring out-of-range dimmer value",
						"unit", id, "value", v)
				}
			}
		case controlVertical:
			if v, ok := asFloat(control["value"]); ok {
				u.applyDistribution(v)
			}
		}
	}
	return map[string]*Unit{key: u}
}

// HandlePeerChanged applies a peerChanged frame: gateway reachability
// cascades to every unit on the network. A frame without the online flag
// changes nothing. Returns the full unit map either way.
func (us *Units) HandlePeerChanged(msg map[string]any) map[string]*Unit {
	us.mu.RLock()
	out := make(map[string]*Unit, len(us.units))
	for key, u := range us.units {
		out[key] = u
	}
	us.mu.RUnlock()
	if online, ok := asBool(msg["online"]); ok {
		for _, u := range out {
			u.applyOnline(online)
		}
	}
	return out
}

// SetWire records the wire id of the network's realtime connection and
// cascades it to every unit so command envelopes carry the right wire.
func (us *Units) SetWire(wire int) {
	us.mu.Lock()
	us.wire = wire
	units := make([]*Unit, 0, len(us.units))
	for _, u := range us.units {
		units = append(units, u)
	}
	us.mu.Unlock()
	for _, u := range units {
		u.setWire(wire)
	}
}

// Get returns the unit with the given network-scoped id.
func (us *Units) Get(id int) (*Unit, bool) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	u, ok := us.units[unitKey(us.networkID, id)]
	return u, ok
}

// FindByAddress returns the unit with the given hardware address.
func (us *Units) FindByAddress(address string) (*Unit, bool) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	for _, u := range us.units {
		if u.Address() == address {
			return u, true
		}
	}
	return nil, false
}

// All returns every unit, ordered by unit id.
func (us *Units) All() []*Unit {
	us.mu.RLock()
	out := make([]*Unit, 0, len(us.units))
	for _, u := range us.units {
		out = append(out, u)
	}
	us.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// UniqueIDs returns the sorted unique ids of every unit.
func (us *Units) UniqueIDs() []string {
	all := us.All()
	ids := make([]string, 0, len(all))
	for _, u := range all {
		ids = append(ids, u.UniqueID())
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of known units.
func (us *Units) Len() int {
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.units)
}

// Loose-typed field coercion for vendor payloads, where ids arrive as
// strings, numbers, or json numbers depending on the endpoint.

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// flattenControls normalizes the two shapes the vendor uses for control
// lists: a flat list of controls and a list of lists.
func flattenControls(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range list {
		switch it := item.(type) {
		case map[string]any:
			out = append(out, it)
		case []any:
			for _, inner := range it {
				if m, ok := inner.(map[string]any); ok {
					out = append(out, m)
				}
			}
		}
	}
	return out
}

func dimmerValue(controls []map[string]any) (float64, bool) {
	for _, control := range controls {
		kind, _ := asString(control["type"])
		if !strings.EqualFold(kind, controlDimmer) {
			continue
		}
		return asFloat(control["value"])
	}
	return 0, false
}
