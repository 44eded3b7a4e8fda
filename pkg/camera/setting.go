package camera

import (
	"context"
	"strconv"
	"time"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/request"
	"dual-shutter/pkg/settings"
)

const restartTimeout = 10 * time.Second

// Settings is the snapshot every request is built from.
func (c *Controller) Settings(hal.SlotID) request.Settings {
	s := c.store.Snapshot()
	s.Orientation = int(c.orientation.Load())
	if c.opts.Locations != nil {
		s.Location = c.opts.Locations.CurrentLocation()
	}
	return s
}

func (c *Controller) Flags(slot hal.SlotID) request.Flags {
	f := request.Flags{
		MonoOnly: c.store.Bool(settings.KeyMonoOnly),
		ZSL:      c.zsl(),
		Outputs:  c.sessions.Outputs(slot),
	}
	if coord := c.coord.Load(); coord != nil {
		f.Dual = coord.Dual()
		f.Linked = coord.Linked()
	}
	return f
}

func (c *Controller) Capabilities(slot hal.SlotID) hal.Capabilities {
	caps, err := c.registry.CapabilitiesOf(slot)
	if err != nil {
		c.logger.Debugf("camera: %v", err)
	}
	return caps
}

func (c *Controller) zsl() bool {
	return c.opts.Capture.ZSL || c.store.Bool(settings.KeyZSL)
}

// SetOrientation records the device rotation in degrees for the next JPEG.
func (c *Controller) SetOrientation(deg int) {
	deg = ((deg % 360) + 360) % 360
	c.orientation.Store(int32(deg / 90 * 90))
}

func (c *Controller) SetZoom(zoom float64) error {
	_, err := c.store.Set(settings.KeyZoom, strconv.FormatFloat(zoom, 'f', -1, 64))
	return err
}

// settingsChanged runs on the goroutine that applied the batch.
func (c *Controller) settingsChanged(ch settings.Change) {
	switch ch.Restart {
	case settings.RestartAll:
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := c.RestartAll(ctx); err != nil {
			c.logger.Errorf("camera: restart after %v: %v", ch.Keys, err)
		}
	case settings.RestartSession:
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := c.RestartSessions(ctx); err != nil {
			c.logger.Errorf("camera: session restart after %v: %v", ch.Keys, err)
		}
	default:
		c.post(command{kind: cmdUpdatePreview, keys: ch.Keys})
	}
}
