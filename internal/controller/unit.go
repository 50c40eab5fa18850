package controller

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go-casambi/internal/api"
	"go-casambi/internal/ws"
)

// Unit states
const (
	UnitStateOff = "off"
	UnitStateOn  = "on"
)

// Control kinds as reported by the vendor.
const (
	controlDimmer      = "Dimmer"
	controlCCT         = "CCT"
	controlRGB         = "RGB"
	controlWhite       = "White"
	controlVertical    = "Vertical"
	controlColorsource = "Colorsource"
)

// ErrInvalidValue marks a control value rejected by local validation before
// anything is sent over the wire.
var ErrInvalidValue = errors.New("invalid control value")

// ErrNotSupported is returned when a command targets a control the unit
// does not advertise.
var ErrNotSupported = errors.New("control not supported by unit")

// Owner is what a Unit needs from its owning controller: the outbound
// command path and the state of the network's realtime link. Units never
// touch a socket directly.
type Owner interface {
	SendMessage(networkID string, message map[string]any) error
	ConnectionState(networkID string) ws.State
}

// Unit is the in-memory representation of one controllable device. Pure
// data and validation; all I/O goes through the Owner.
type Unit struct {
	mu sync.RWMutex

	networkID string
	id        int
	wire      int
	owner     Owner

	name         string
	address      string
	unitType     string
	fixtureID    int
	firmware     string
	oem          string
	fixtureModel string

	online       bool
	enabled      bool
	state        string
	value        float64
	distribution float64
	controls     map[string]map[string]any
}

func newUnit(networkID string, id int, wire int, owner Owner) *Unit {
	return &Unit{
		networkID: networkID,
		id:        id,
		wire:      wire,
		owner:     owner,
		enabled:   true,
		state:     UnitStateOff,
		controls:  make(map[string]map[string]any),
	}
}

// ID returns the network-scoped unit id.
func (u *Unit) ID() int { return u.id }

// NetworkID returns the owning network id.
func (u *Unit) NetworkID() string { return u.networkID }

// Key returns the registry key of this unit.
func (u *Unit) Key() string { return unitKey(u.networkID, u.id) }

// UniqueID prefers the hardware address and falls back to
// "networkID-unitID" when the address is unknown.
func (u *Unit) UniqueID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.address != "" {
		return u.address
	}
	return unitKey(u.networkID, u.id)
}

func (u *Unit) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.name
}

func (u *Unit) Address() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.address
}

func (u *Unit) Type() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.unitType
}

func (u *Unit) FixtureID() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.fixtureID
}

func (u *Unit) Firmware() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.firmware
}

func (u *Unit) OEM() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.oem
}

func (u *Unit) FixtureModel() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.fixtureModel
}

func (u *Unit) Enabled() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.enabled
}

// State returns "on" or "off". The unit is off iff its value is zero.
func (u *Unit) State() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

func (u *Unit) Value() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.value
}

func (u *Unit) Distribution() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.distribution
}

// Wire returns the wire id of the owning network's realtime connection.
func (u *Unit) Wire() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.wire
}

// IsOnline reports whether the device is reachable. A unit is never online
// while its network's realtime connection is not running, regardless of the
// last device-level flag.
func (u *Unit) IsOnline() bool {
	u.mu.RLock()
	online := u.online
	owner := u.owner
	networkID := u.networkID
	u.mu.RUnlock()

	if owner != nil && owner.ConnectionState(networkID) != ws.StateRunning {
		return false
	}
	return online
}

// Controls returns a copy of the controls mapping keyed by control kind.
func (u *Unit) Controls() map[string]map[string]any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]map[string]any, len(u.controls))
	for kind, control := range u.controls {
		c := make(map[string]any, len(control))
		for k, v := range control {
			c[k] = v
		}
		out[kind] = c
	}
	return out
}

// Capability probes. All return false on empty controls, never an error.

func (u *Unit) SupportsBrightness() bool { return u.hasControl(controlDimmer) }

func (u *Unit) SupportsColorTemperature() bool { return u.hasControl(controlCCT) }

func (u *Unit) SupportsRGB() bool { return u.hasControl(controlRGB) }

func (u *Unit) SupportsRGBW() bool {
	return u.hasControl(controlRGB) && u.hasControl(controlWhite)
}

func (u *Unit) SupportsDistribution() bool { return u.hasControl(controlVertical) }

func (u *Unit) hasControl(kind string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.controls[kind]) > 0
}

// SupportedColorTemperature returns the advertised CCT range and current
// value in Kelvin, (0, 0, 0) when the unit has no CCT control.
func (u *Unit) SupportedColorTemperature() (min, max, current float64) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	cct := u.controls[controlCCT]
	if cct == nil {
		return 0, 0, 0
	}
	min, _ = asFloat(cct["min"])
	max, _ = asFloat(cct["max"])
	current, _ = asFloat(cct["value"])
	return min, max, current
}

// MinMired returns the advertised range's cold end in mireds.
func (u *Unit) MinMired() (int, error) {
	_, max, _ := u.SupportedColorTemperature()
	if max <= 0 {
		return 0, ErrNotSupported
	}
	return int(math.Round(1000000 / max)), nil
}

// MaxMired returns the advertised range's warm end in mireds.
func (u *Unit) MaxMired() (int, error) {
	min, _, _ := u.SupportedColorTemperature()
	if min <= 0 {
		return 0, ErrNotSupported
	}
	return int(math.Round(1000000 / min)), nil
}

// ColorTempMired returns the current color temperature in mireds.
func (u *Unit) ColorTempMired() (int, error) {
	_, _, current := u.SupportedColorTemperature()
	if current <= 0 {
		return 0, ErrNotSupported
	}
	return int(math.Round(1000000 / current)), nil
}

// TurnOn sets the dimmer to full.
func (u *Unit) TurnOn() error { return u.SetValue(1) }

// TurnOff sets the dimmer to zero.
func (u *Unit) TurnOff() error { return u.SetValue(0) }

// SetValue sets the dimmer level. value must be in [0,1]; anything else is
// rejected locally and leaves the prior state unchanged.
func (u *Unit) SetValue(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%w: dimmer value %v not in [0,1]", ErrInvalidValue, value)
	}
	if err := u.applyValue(value); err != nil {
		return err
	}
	return u.send(map[string]any{
		controlDimmer: map[string]any{"value": value},
	})
}

// SetColorTemperature targets a color temperature. value is Kelvin, or
// mireds when source is "mired". The target is rounded to the nearest 50 K
// and clamped to the advertised range before anything is sent.
func (u *Unit) SetColorTemperature(value float64, source string) error {
	if !u.SupportsColorTemperature() {
		return fmt.Errorf("%w: color temperature", ErrNotSupported)
	}
	if value <= 0 {
		return fmt.Errorf("%w: color temperature %v", ErrInvalidValue, value)
	}

	target := value
	if source == "mired" {
		target = math.Round(1000000 / value)
	}
	target = math.Round(target/50) * 50

	min, max, _ := u.SupportedColorTemperature()
	if target < min {
		target = min
	}
	if target > max {
		target = max
	}

	u.mu.Lock()
	if cct := u.controls[controlCCT]; cct != nil {
		cct["value"] = target
	}
	u.mu.Unlock()

	return u.send(map[string]any{
		"ColorTemperature": map[string]any{"value": target},
		controlColorsource: map[string]any{"source": "TW"},
	})
}

// SetRGB targets an RGB color from literal 0-255 channels. With
// sendRGBFormat the literal "rgb(r, g, b)" string payload is sent;
// otherwise an HSV-derived payload.
func (u *Unit) SetRGB(r, g, b uint8, sendRGBFormat bool) error {
	if !u.SupportsRGB() {
		return fmt.Errorf("%w: rgb", ErrNotSupported)
	}
	return u.send(rgbControls(r, g, b, sendRGBFormat))
}

// SetRGBW targets an RGBW color. The white channel is normalized from
// 0-255 to a 0-1 fraction.
func (u *Unit) SetRGBW(r, g, b, w uint8, sendRGBFormat bool) error {
	if !u.SupportsRGBW() {
		return fmt.Errorf("%w: rgbw", ErrNotSupported)
	}
	target := rgbControls(r, g, b, sendRGBFormat)
	target[controlWhite] = map[string]any{"value": float64(w) / 255}
	return u.send(target)
}

// SetDistribution sets the vertical light distribution slider. value must
// be in [0,1].
func (u *Unit) SetDistribution(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%w: distribution %v not in [0,1]", ErrInvalidValue, value)
	}
	if !u.SupportsDistribution() {
		return fmt.Errorf("%w: distribution", ErrNotSupported)
	}
	u.applyDistribution(value)
	return u.send(map[string]any{
		controlVertical: map[string]any{"value": value},
	})
}

func rgbControls(r, g, b uint8, sendRGBFormat bool) map[string]any {
	if sendRGBFormat {
		return map[string]any{
			controlRGB: map[string]any{"rgb": fmt.Sprintf("rgb(%d, %d, %d)", r, g, b)},
		}
	}
	h, s, _ := RGBToHSV(r, g, b)
	return map[string]any{
		controlRGB:         map[string]any{"hue": round2(h), "sat": round2(s)},
		controlColorsource: map[string]any{"source": "RGB"},
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// send wraps targetControls in a controlUnit envelope and hands it to the
// owning controller's outbound path.
func (u *Unit) send(targetControls map[string]any) error {
	u.mu.RLock()
	owner := u.owner
	networkID := u.networkID
	message := map[string]any{
		"wire":           u.wire,
		"method":         "controlUnit",
		"id":             u.id,
		"targetControls": targetControls,
	}
	u.mu.RUnlock()

	if owner == nil {
		return errors.New("unit has no owning controller")
	}
	return owner.SendMessage(networkID, message)
}

// Local mutators used by the collection when applying snapshots and push
// frames. They validate but never send.

func (u *Unit) applyValue(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%w: dimmer value %v not in [0,1]", ErrInvalidValue, value)
	}
	u.mu.Lock()
	u.value = value
	if value == 0 {
		u.state = UnitStateOff
	} else {
		u.state = UnitStateOn
	}
	u.mu.Unlock()
	return nil
}

func (u *Unit) applyDistribution(value float64) {
	u.mu.Lock()
	u.distribution = value
	u.mu.Unlock()
}

func (u *Unit) applyOnline(online bool) {
	u.mu.Lock()
	u.online = online
	u.mu.Unlock()
}

func (u *Unit) applyName(name string) {
	if name == "" {
		return
	}
	u.mu.Lock()
	u.name = name
	u.mu.Unlock()
}

func (u *Unit) applyAddress(address string) {
	if address == "" {
		return
	}
	u.mu.Lock()
	u.address = address
	u.mu.Unlock()
}

func (u *Unit) applyFirmware(version string) {
	if version == "" {
		return
	}
	u.mu.Lock()
	u.firmware = version
	u.mu.Unlock()
}

func (u *Unit) applyFixtureID(id int) {
	if id == 0 {
		return
	}
	u.mu.Lock()
	u.fixtureID = id
	u.mu.Unlock()
}

func (u *Unit) applyFixtureModel(model string) {
	if model == "" {
		return
	}
	u.mu.Lock()
	u.fixtureModel = model
	u.mu.Unlock()
}

func (u *Unit) applyOEM(oem string) {
	if oem == "" {
		return
	}
	u.mu.Lock()
	u.oem = oem
	u.mu.Unlock()
}

func (u *Unit) applyType(unitType string) {
	if unitType == "" {
		return
	}
	u.mu.Lock()
	u.unitType = unitType
	u.mu.Unlock()
}

func (u *Unit) applyEnabled(enabled bool) {
	u.mu.Lock()
	u.enabled = enabled
	u.mu.Unlock()
}

// applyFixture fills type, OEM, and model from fixture metadata.
func (u *Unit) applyFixture(f api.Fixture) {
	u.applyType(f.Type)
	u.applyOEM(f.Vendor)
	u.applyFixtureModel(f.Model)
}

// mergeControls folds a control list into the controls mapping, keyed by
// control kind. Entries without a type are ignored.
func (u *Unit) mergeControls(list []map[string]any) {
	u.mu.Lock()
	for _, control := range list {
		kind, ok := asString(control["type"])
		if !ok || kind == "" {
			continue
		}
		u.controls[kind] = control
	}
	u.mu.Unlock()
}

// replaceControls swaps the whole controls mapping, used when a snapshot
// carries the authoritative control list.
func (u *Unit) replaceControls(list []map[string]any) {
	u.mu.Lock()
	u.controls = make(map[string]map[string]any, len(list))
	u.mu.Unlock()
	u.mergeControls(list)
}

func (u *Unit) setWire(wire int) {
	u.mu.Lock()
	u.wire = wire
	u.mu.Unlock()
}
