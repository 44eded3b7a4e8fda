//go:build linux

// Package v4l2 drives fixed-focus USB/CSI sensors through video4linux.
//
// A V4L2 device streams one format at a time, so a session streams JPEG at
// the still size and every submitted request consumes the next frame. 3A is
// left to the sensor: AF reports inactive and AE converged, or locked when
// the request asks for it.
package v4l2

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/utils"
)

const (
	ctrlExposureAuto = v4l2.CtrlID(10094849)
	ctrlExposureBias = v4l2.CtrlID(10094867)
	ctrlWhiteBalance = v4l2.CtrlID(10094868)
	ctrlISOAuto      = v4l2.CtrlID(10094872)
	ctrlISO          = v4l2.CtrlID(10094871)
	ctrlJPEGQuality  = v4l2.CtrlID(10291459)
)

// Camera maps a slot role to a device node.
type Camera struct {
	Path   string
	Facing hal.Facing
	Mono   bool
}

type Provider struct {
	cameras map[string]Camera
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	open map[string]*dev
}

// New takes the configured device nodes keyed by role name
// ("primary", "secondary", "front").
func New(paths map[string]string, logger *zap.SugaredLogger) *Provider {
	if logger == nil {
		logger = utils.GetLogger()
	}
	p := &Provider{
		cameras: make(map[string]Camera),
		logger:  logger,
		open:    make(map[string]*dev),
	}
	for role, path := range paths {
		c := Camera{Path: path}
		switch role {
		case "front":
			c.Facing = hal.FacingFront
		case "secondary":
			c.Mono = true
		}
		p.cameras[path] = c
	}
	return p
}

func (p *Provider) Enumerate() ([]hal.Info, error) {
	var out []hal.Info
	for path, c := range p.cameras {
		if _, err := os.Stat(path); err != nil {
			p.logger.Debugf("v4l2: %s not present: %v", path, err)
			continue
		}
		out = append(out, hal.Info{ID: path, Facing: c.Facing, Mono: c.Mono})
	}
	return out, nil
}

func (p *Provider) Capabilities(id string) (hal.Capabilities, error) {
	camera, err := device.Open(id,
		device.WithBufferSize(1),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtJPEG,
			Width:       uint32(320),
			Height:      uint32(240),
		}))
	if err != nil {
		return hal.Capabilities{}, err
	}
	defer camera.Close()

	sizes, err := v4l2.GetAllFormatFrameSizes(camera.Fd())
	if err != nil {
		return hal.Capabilities{}, err
	}
	var caps hal.Capabilities
	for _, size := range sizes {
		if size.PixelFormat != v4l2.PixelFmtJPEG {
			continue
		}
		w, h := int(size.Size.MaxWidth), int(size.Size.MaxHeight)
		caps.StreamConfigs = append(caps.StreamConfigs, hal.StreamConfig{Format: hal.FormatJPEG, Width: w, Height: h})
		if w*h > caps.ActiveArray.Width()*caps.ActiveArray.Height() {
			caps.ActiveArray = hal.Rect{Right: w, Bottom: h}
		}
	}
	if len(caps.StreamConfigs) == 0 {
		return caps, fmt.Errorf("unable to determine the maximum pixels of the camera")
	}
	return caps, nil
}

func (p *Provider) Open(slot hal.SlotID, id string, cb hal.Callbacks) error {
	if _, ok := p.cameras[id]; !ok {
		return fmt.Errorf("unknown camera %q", id)
	}
	p.mu.Lock()
	if _, busy := p.open[id]; busy {
		p.mu.Unlock()
		return hal.ErrCameraInUse
	}
	d := &dev{p: p, id: id, slot: slot, cb: cb, logger: p.logger.With("slot", slot.String())}
	p.open[id] = d
	p.mu.Unlock()

	go func() {
		cb.Device <- hal.DeviceEvent{Slot: slot, Kind: hal.DeviceOpened, Device: d}
	}()
	return nil
}

type dev struct {
	p      *Provider
	id     string
	slot   hal.SlotID
	cb     hal.Callbacks
	logger *zap.SugaredLogger

	mu      sync.Mutex
	session *session
}

func (d *dev) Slot() hal.SlotID { return d.slot }

func (d *dev) CreateSession(outputs []hal.Surface, _ bool) error {
	w, h := 640, 480
	for _, o := range outputs {
		if o.Kind == hal.SurfaceStill && o.Width > 0 {
			w, h = o.Width, o.Height
		}
	}

	d.mu.Lock()
	if d.session != nil {
		d.session.Close()
		d.session = nil
	}
	d.mu.Unlock()

	go func() {
		s, err := d.start(w, h)
		if err != nil {
			d.cb.Session <- hal.SessionEvent{Slot: d.slot, Kind: hal.SessionConfigureFailed, Err: err}
			return
		}
		d.mu.Lock()
		d.session = s
		d.mu.Unlock()
		d.cb.Session <- hal.SessionEvent{Slot: d.slot, Kind: hal.SessionConfigured, Session: s}
	}()
	return nil
}

func (d *dev) start(width, height int) (*session, error) {
	camera, err := device.Open(
		d.id,
		device.WithBufferSize(1),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtJPEG,
			Width:       uint32(width),
			Height:      uint32(height),
		}),
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := camera.Start(ctx); err != nil {
		cancel()
		camera.Close()
		return nil, err
	}
	d.logger.Infof("v4l2: streaming %s at %d*%d", d.id, width, height)

	s := &session{
		d:      d,
		camera: camera,
		cancel: cancel,
		width:  width,
		height: height,
		quit:   make(chan struct{}),
	}
	go s.run(camera.GetOutput())
	return s, nil
}

func (d *dev) Close() error {
	d.mu.Lock()
	if d.session != nil {
		d.session.Close()
		d.session = nil
	}
	d.mu.Unlock()

	d.p.mu.Lock()
	delete(d.p.open, d.id)
	d.p.mu.Unlock()

	go func() {
		d.cb.Device <- hal.DeviceEvent{Slot: d.slot, Kind: hal.DeviceClosed}
	}()
	return nil
}

type session struct {
	d      *dev
	camera *device.Device
	cancel context.CancelFunc
	width  int
	height int

	mu        sync.Mutex
	queue     []*hal.Request
	repeating *hal.Request
	applied   map[v4l2.CtrlID]v4l2.CtrlValue
	closed    bool
	quit      chan struct{}
}

func (s *session) Capture(req *hal.Request) error {
	return s.CaptureBurst([]*hal.Request{req})
}

func (s *session) CaptureBurst(reqs []*hal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hal.ErrClosed
	}
	for _, r := range reqs {
		s.queue = append(s.queue, r.Clone())
	}
	return nil
}

func (s *session) SetRepeatingRequest(req *hal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hal.ErrClosed
	}
	s.repeating = req.Clone()
	return nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeating = nil
	return nil
}

func (s *session) AbortCaptures() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()

	// let the streaming goroutine reach ctx.Done and stop the device before
	// it is closed
	s.cancel()
	time.Sleep(100 * time.Millisecond)
	return s.camera.Close()
}

func (s *session) next() *hal.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		return r
	}
	return s.repeating
}

func (s *session) run(frames <-chan []byte) {
	for {
		var frame []byte
		select {
		case <-s.quit:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			frame = f
		}
		req := s.next()
		if req == nil {
			continue
		}
		s.apply(req.Controls)
		if !s.deliver(req, frame) {
			return
		}
	}
}

// controls maps the request onto the V4L2 controls this backend knows.
func controls(c hal.Controls) map[v4l2.CtrlID]v4l2.CtrlValue {
	out := map[v4l2.CtrlID]v4l2.CtrlValue{
		ctrlExposureBias: v4l2.CtrlValue(c.ExposureComp * 1000 / 3),
	}
	if c.ISO > 0 {
		out[ctrlISOAuto] = 0
		out[ctrlISO] = v4l2.CtrlValue(c.ISO * 1000)
	} else {
		out[ctrlISOAuto] = 1
	}
	if c.AWBMode == "" || c.AWBMode == "auto" {
		out[ctrlWhiteBalance] = 1
	} else {
		out[ctrlWhiteBalance] = 0
	}
	if c.AELock {
		// manual mode holds the current exposure
		out[ctrlExposureAuto] = 1
	} else {
		out[ctrlExposureAuto] = 3
	}
	if c.JPEG.Quality > 0 {
		out[ctrlJPEGQuality] = v4l2.CtrlValue(c.JPEG.Quality)
	}
	return out
}

func (s *session) apply(c hal.Controls) {
	want := controls(c)
	for k, v := range want {
		if old, ok := s.applied[k]; ok && old == v {
			continue
		}
		if err := s.camera.SetControlValue(k, v); err != nil {
			s.d.logger.Debugf("v4l2: set ctrl(%d) to %d, err: %s", k, v, err)
			continue
		}
		if s.applied == nil {
			s.applied = make(map[v4l2.CtrlID]v4l2.CtrlValue)
		}
		s.applied[k] = v
	}
}

func (s *session) deliver(req *hal.Request, frame []byte) bool {
	res := hal.Result{
		Slot:      s.d.slot,
		Kind:      hal.ResultCompleted,
		Token:     req.Token,
		Class:     req.Class,
		AF:        hal.AFStateInactive,
		AE:        hal.AEStateConverged,
		Timestamp: time.Now(),
	}
	switch {
	case req.Controls.Precapture == hal.PrecaptureStart:
		res.AE = hal.AEStatePrecapture
	case req.Controls.AELock:
		res.AE = hal.AEStateLocked
	}
	select {
	case s.d.cb.Results <- res:
	case <-s.quit:
		return false
	}
	if !req.HasTarget(hal.SurfaceStill) {
		return true
	}
	img := hal.Image{
		Slot:      s.d.slot,
		Token:     req.Token,
		Format:    hal.FormatJPEG,
		Width:     s.width,
		Height:    s.height,
		Data:      append([]byte(nil), frame...),
		Timestamp: res.Timestamp,
	}
	select {
	case s.d.cb.Images <- img:
	case <-s.quit:
		return false
	}
	return true
}
