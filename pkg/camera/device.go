package camera

import (
	"context"
	"errors"
	"time"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/session"
	"dual-shutter/pkg/settings"
)

const (
	openRetries    = 5
	openRetryDelay = 150 * time.Millisecond
)

// selectMode decides which slots to run from the settings and the cameras
// present.
func (c *Controller) selectMode() (mode, error) {
	r := c.registry
	want, err := hal.ParseSlot(c.store.Get(settings.KeyCameraID))
	if err != nil {
		want = hal.SlotPrimary
	}
	dualWanted := c.opts.Camera.Dual || c.store.Bool(settings.KeyClearSight)

	switch {
	case want == hal.SlotPrimary && c.store.Bool(settings.KeyMonoOnly) && r.Has(hal.SlotSecondary):
		return mode{slots: []hal.SlotID{hal.SlotSecondary}}, nil
	case want == hal.SlotPrimary && dualWanted && r.SupportsDual():
		return mode{dual: true, slots: []hal.SlotID{hal.SlotPrimary, hal.SlotSecondary}}, nil
	case r.Has(want):
		return mode{slots: []hal.SlotID{want}}, nil
	}

	cams := r.ListPhysicalCameras()
	if len(cams) == 0 {
		return mode{}, ErrNoCamera
	}
	c.logger.Warnf("camera: no %s camera, falling back to %s", want, cams[0].Slot)
	return mode{slots: []hal.SlotID{cams[0].Slot}}, nil
}

// Resume opens the cameras of the current mode. Sessions are configured as
// the devices report open.
func (c *Controller) Resume(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.resume(ctx)
}

func (c *Controller) resume(ctx context.Context) error {
	if c.resumed {
		return nil
	}
	m, err := c.selectMode()
	if err != nil {
		c.notifier.Fatal(err)
		return err
	}
	if err := c.do(ctx, command{kind: cmdInstall, mode: m}); err != nil {
		return err
	}
	c.sessions.Resume()
	c.resumed = true
	c.active = m

	for _, slot := range m.slots {
		if err := c.open(ctx, slot); err != nil {
			c.logger.Errorf("camera: open %s: %v", slot, err)
			c.notifier.Fatal(err)
			return err
		}
	}
	return nil
}

// Pause drops the capture state and closes every camera, auxiliary sensors
// first.
func (c *Controller) Pause(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.pause(ctx)
}

func (c *Controller) pause(ctx context.Context) error {
	if !c.resumed {
		return nil
	}
	c.resumed = false
	if err := c.do(ctx, command{kind: cmdTeardown}); err != nil {
		c.logger.Warnf("camera: teardown: %v", err)
	}
	c.sessions.Pause()
	return c.sessions.Close(ctx, c.active.slots...)
}

// RestartAll closes everything and reopens the cameras the settings now ask
// for.
func (c *Controller) RestartAll(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.resumed {
		return nil
	}
	c.logger.Info("camera: restarting all cameras")
	if err := c.pause(ctx); err != nil {
		c.logger.Warnf("camera: close before restart: %v", err)
	}
	return c.resume(ctx)
}

// RestartSessions reconfigures the capture sessions of the open cameras.
func (c *Controller) RestartSessions(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.resumed {
		return nil
	}
	c.logger.Info("camera: restarting capture sessions")
	if err := c.do(ctx, command{kind: cmdReconfigure}); err != nil {
		return err
	}
	for _, slot := range c.active.slots {
		if c.sessions.IsOpen(slot) {
			c.configure(slot)
		}
	}
	return nil
}

// open retries while the camera is still held by a previous close.
func (c *Controller) open(ctx context.Context, slot hal.SlotID) error {
	cam, err := c.registry.Camera(slot)
	if err != nil {
		return err
	}
	for i := 0; ; i++ {
		err = c.sessions.Open(ctx, slot, cam.ID)
		if err == nil || !errors.Is(err, hal.ErrCameraInUse) || i+1 >= openRetries {
			return err
		}
		c.logger.Warnf("camera: failed to open %s will retry %d/%d: %v", slot, i+1, openRetries, err)
		select {
		case <-time.After(openRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) configure(slot hal.SlotID) {
	err := c.sessions.ConfigureSession(slot, c.outputs(slot), c.zsl())
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotOpen):
		c.logger.Debugf("camera: %s closed before its session was configured", slot)
	default:
		c.notifier.Fatal(err)
	}
}

// outputs are the preview surface, the largest JPEG stream and, when raw is
// on, the largest raw stream.
func (c *Controller) outputs(slot hal.SlotID) []hal.Surface {
	caps := c.Capabilities(slot)
	out := []hal.Surface{c.previewSurface()}
	if sc, ok := caps.Largest(hal.FormatJPEG); ok {
		out = append(out, hal.Surface{Name: "still", Kind: hal.SurfaceStill, Width: sc.Width, Height: sc.Height})
	}
	if c.store.Bool(settings.KeyRaw) {
		if sc, ok := caps.Largest(hal.FormatRaw); ok {
			out = append(out, hal.Surface{Name: "raw", Kind: hal.SurfaceRaw, Width: sc.Width, Height: sc.Height})
		}
	}
	return out
}

// previewSurface waits for the UI surface, but never longer than the
// surface timeout.
func (c *Controller) previewSurface() hal.Surface {
	s, ready := c.opts.Surfaces.PreviewSurface(c.opts.Camera.PreviewWidth, c.opts.Camera.PreviewHeight)
	d := c.opts.Capture.SurfaceTimeout()
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ready:
	case <-time.After(d):
		c.logger.Warnf("camera: preview surface not ready after %s, configuring anyway", d)
	}
	return s
}
