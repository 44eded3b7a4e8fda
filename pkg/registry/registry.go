// Package registry enumerates the physical cameras once and assigns each a
// stable slot. It is read-only after New returns.
package registry

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dual-shutter/pkg/hal"
)

var (
	ErrServiceUnavailable = errors.New("camera service unavailable")
	ErrNoSuchSlot         = errors.New("no camera in slot")
)

// Camera is one enumerated camera and the slot it was given.
type Camera struct {
	Slot hal.SlotID `json:"slot"`
	Role string     `json:"role"`
	hal.Info
	Capabilities hal.Capabilities `json:"capabilities"`
}

type Registry struct {
	cameras []Camera
	bySlot  map[hal.SlotID]int
}

// New enumerates the provider. An enumeration failure is wrapped in
// ErrServiceUnavailable and is not retried.
func New(p hal.Provider, logger *zap.SugaredLogger) (*Registry, error) {
	infos, err := p.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	r := &Registry{bySlot: make(map[hal.SlotID]int)}
	for _, info := range infos {
		slot, ok := assign(info, r.bySlot)
		if !ok {
			logger.Warnf("registry: no free slot for camera %s, ignored", info.ID)
			continue
		}
		caps, err := p.Capabilities(info.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: capabilities of %s: %w", ErrServiceUnavailable, info.ID, err)
		}
		r.bySlot[slot] = len(r.cameras)
		r.cameras = append(r.cameras, Camera{
			Slot:         slot,
			Role:         slot.String(),
			Info:         info,
			Capabilities: caps,
		})
		logger.Infof("registry: camera %s -> %s", info.ID, slot)
	}

	// keep slot order regardless of enumeration order
	ordered := make([]Camera, 0, len(r.cameras))
	for s := hal.SlotID(0); s < hal.MaxSlots; s++ {
		if i, ok := r.bySlot[s]; ok {
			r.bySlot[s] = len(ordered)
			ordered = append(ordered, r.cameras[i])
		}
	}
	r.cameras = ordered

	return r, nil
}

func assign(info hal.Info, taken map[hal.SlotID]int) (hal.SlotID, bool) {
	var want hal.SlotID
	switch {
	case info.Logical:
		want = hal.SlotLogical
	case info.Facing == hal.FacingFront:
		want = hal.SlotFront
	case info.Mono:
		want = hal.SlotSecondary
	default:
		want = hal.SlotPrimary
	}
	if _, used := taken[want]; used {
		return 0, false
	}
	return want, true
}

// ListPhysicalCameras returns the cameras ordered by slot.
func (r *Registry) ListPhysicalCameras() []Camera {
	return append([]Camera(nil), r.cameras...)
}

func (r *Registry) Camera(slot hal.SlotID) (Camera, error) {
	i, ok := r.bySlot[slot]
	if !ok {
		return Camera{}, fmt.Errorf("%w %s", ErrNoSuchSlot, slot)
	}
	return r.cameras[i], nil
}

func (r *Registry) CapabilitiesOf(slot hal.SlotID) (hal.Capabilities, error) {
	c, err := r.Camera(slot)
	if err != nil {
		return hal.Capabilities{}, err
	}
	return c.Capabilities, nil
}

func (r *Registry) Has(slot hal.SlotID) bool {
	_, ok := r.bySlot[slot]
	return ok
}

// SupportsDual reports whether a bayer/mono pair is present.
func (r *Registry) SupportsDual() bool {
	return r.Has(hal.SlotPrimary) && r.Has(hal.SlotSecondary)
}
