// Package camera is the capture module: it opens the cameras the current
// settings ask for, owns the worker goroutines the hardware callbacks arrive
// on and turns shutter, focus and settings commands into state machine input.
package camera

import (
	"errors"

	"dual-shutter/pkg/config"
	"dual-shutter/pkg/hal"
)

var (
	ErrNotReady     = errors.New("camera not ready")
	ErrBusy         = errors.New("capture in progress")
	ErrDropped      = errors.New("shutter request dropped")
	ErrLongShotDual = errors.New("long shot is not available in dual mode")
	ErrNoCamera     = errors.New("no camera available")
)

// Notifier is the UI side of the capture module. Warn and Fatal are the only
// two ways a failure reaches the user.
type Notifier interface {
	Warn(msg string)
	Fatal(err error)
	ShutterEnabled(enabled bool)
	Faces(slot hal.SlotID, n int)
}

// Surfaces supplies the preview target. The returned channel is closed once
// the surface is valid.
type Surfaces interface {
	PreviewSurface(width, height int) (hal.Surface, <-chan struct{})
}

type LocationProvider interface {
	// CurrentLocation returns nil when no fix is available.
	CurrentLocation() *hal.Location
}

type nopNotifier struct{}

func (nopNotifier) Warn(string)           {}
func (nopNotifier) Fatal(error)           {}
func (nopNotifier) ShutterEnabled(bool)   {}
func (nopNotifier) Faces(hal.SlotID, int) {}

// FixedSurfaces hands out surfaces that are valid right away.
type FixedSurfaces struct{}

func (FixedSurfaces) PreviewSurface(width, height int) (hal.Surface, <-chan struct{}) {
	ready := make(chan struct{})
	close(ready)
	return hal.Surface{Name: "preview", Kind: hal.SurfacePreview, Width: width, Height: height}, ready
}

// FixedLocation tags every picture with the configured position.
type FixedLocation struct {
	loc *hal.Location
}

func NewFixedLocation(c config.LocationConfig) FixedLocation {
	if !c.Enabled {
		return FixedLocation{}
	}
	return FixedLocation{loc: &hal.Location{
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Altitude:  c.Altitude,
	}}
}

func (f FixedLocation) CurrentLocation() *hal.Location {
	if f.loc == nil {
		return nil
	}
	loc := *f.loc
	return &loc
}
