// Package sim is an in-process camera provider. It keeps the hardware
// contract the capture core relies on: results of a slot come back in
// submission order, an AF trigger scans for a configurable number of frames
// before it locks, a precapture trigger reports the precapture state, and a
// request carrying the AE lock reports a locked exposure.
package sim

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/utils"
	"dual-shutter/pkg/utils/image"
)

// Camera is one simulated sensor.
type Camera struct {
	Info hal.Info
	Caps hal.Capabilities
}

type Options struct {
	Cameras []Camera
	// FrameInterval paces the repeating request.
	FrameInterval time.Duration
	// ScanFrames is the number of frames an AF trigger reports ActiveScan.
	ScanFrames int
	// StillSize overrides the JPEG size; zero uses the still surface.
	StillWidth  int
	StillHeight int
	Logger      *zap.SugaredLogger
}

func streams(w, h int) []hal.StreamConfig {
	return []hal.StreamConfig{
		{Format: hal.FormatJPEG, Width: w, Height: h},
		{Format: hal.FormatJPEG, Width: w / 2, Height: h / 2},
		{Format: hal.FormatYUV, Width: 640, Height: 480},
		{Format: hal.FormatRaw, Width: w, Height: h},
	}
}

// DefaultCameras is a dual bayer/mono back pair plus a fixed-focus front
// sensor.
func DefaultCameras() []Camera {
	back := hal.Rect{Right: 4000, Bottom: 3000}
	front := hal.Rect{Right: 2592, Bottom: 1944}
	return []Camera{
		{
			Info: hal.Info{ID: "0", Facing: hal.FacingBack},
			Caps: hal.Capabilities{
				SupportsAFRegions: true,
				SupportsAERegions: true,
				SupportsFlash:     true,
				HasAutoFocus:      true,
				ActiveArray:       back,
				StreamConfigs:     streams(back.Width(), back.Height()),
			},
		},
		{
			Info: hal.Info{ID: "1", Facing: hal.FacingBack, Mono: true},
			Caps: hal.Capabilities{
				SupportsAFRegions: true,
				HasAutoFocus:      true,
				ActiveArray:       back,
				StreamConfigs:     streams(back.Width(), back.Height()),
			},
		},
		{
			Info: hal.Info{ID: "2", Facing: hal.FacingFront},
			Caps: hal.Capabilities{
				ActiveArray:   front,
				StreamConfigs: streams(front.Width(), front.Height()),
			},
		},
	}
}

type Provider struct {
	opts   Options
	logger *zap.SugaredLogger

	mu      sync.Mutex
	devices map[string]*device
	fail    map[hal.SlotID]int
}

func New(opts Options) *Provider {
	if len(opts.Cameras) == 0 {
		opts.Cameras = DefaultCameras()
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 33 * time.Millisecond
	}
	if opts.ScanFrames <= 0 {
		opts.ScanFrames = 1
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	return &Provider{
		opts:    opts,
		logger:  opts.Logger,
		devices: make(map[string]*device),
		fail:    make(map[hal.SlotID]int),
	}
}

func (p *Provider) Enumerate() ([]hal.Info, error) {
	out := make([]hal.Info, 0, len(p.opts.Cameras))
	for _, c := range p.opts.Cameras {
		out = append(out, c.Info)
	}
	return out, nil
}

func (p *Provider) camera(id string) (Camera, bool) {
	for _, c := range p.opts.Cameras {
		if c.Info.ID == id {
			return c, true
		}
	}
	return Camera{}, false
}

func (p *Provider) Capabilities(id string) (hal.Capabilities, error) {
	c, ok := p.camera(id)
	if !ok {
		return hal.Capabilities{}, fmt.Errorf("unknown camera %q", id)
	}
	return c.Caps, nil
}

func (p *Provider) Open(slot hal.SlotID, id string, cb hal.Callbacks) error {
	c, ok := p.camera(id)
	if !ok {
		return fmt.Errorf("unknown camera %q", id)
	}
	p.mu.Lock()
	if _, busy := p.devices[id]; busy {
		p.mu.Unlock()
		return hal.ErrCameraInUse
	}
	d := &device{p: p, slot: slot, cam: c, cb: cb, logger: p.logger.With("slot", slot.String())}
	p.devices[id] = d
	p.mu.Unlock()

	go func() {
		cb.Device <- hal.DeviceEvent{Slot: slot, Kind: hal.DeviceOpened, Device: d}
	}()
	return nil
}

// FailNext makes the next n requests of slot report ResultFailed.
func (p *Provider) FailNext(slot hal.SlotID, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[slot] += n
}

func (p *Provider) takeFailure(slot hal.SlotID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[slot] > 0 {
		p.fail[slot]--
		return true
	}
	return false
}

// Disconnect simulates the camera going away.
func (p *Provider) Disconnect(id string) {
	p.mu.Lock()
	d, ok := p.devices[id]
	delete(p.devices, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	d.stop()
	go func() {
		d.cb.Device <- hal.DeviceEvent{Slot: d.slot, Kind: hal.DeviceDisconnected, Err: hal.ErrDisconnected}
	}()
}

// Open reports whether camera id is held.
func (p *Provider) IsOpen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[id]
	return ok
}

type device struct {
	p      *Provider
	slot   hal.SlotID
	cam    Camera
	cb     hal.Callbacks
	logger *zap.SugaredLogger

	mu      sync.Mutex
	session *session
	closed  bool
}

func (d *device) Slot() hal.SlotID { return d.slot }

func (d *device) CreateSession(outputs []hal.Surface, zsl bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return hal.ErrClosed
	}
	if d.session != nil {
		d.session.Close()
	}
	s := newSession(d, outputs, zsl)
	d.session = s
	d.mu.Unlock()

	go s.run()
	go func() {
		d.cb.Session <- hal.SessionEvent{Slot: d.slot, Kind: hal.SessionConfigured, Session: s}
	}()
	return nil
}

func (d *device) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.session != nil {
		d.session.Close()
		d.session = nil
	}
}

func (d *device) Close() error {
	d.stop()
	d.p.mu.Lock()
	if d.p.devices[d.cam.Info.ID] == d {
		delete(d.p.devices, d.cam.Info.ID)
	}
	d.p.mu.Unlock()

	go func() {
		d.cb.Device <- hal.DeviceEvent{Slot: d.slot, Kind: hal.DeviceClosed}
	}()
	return nil
}

type session struct {
	d       *device
	outputs []hal.Surface
	zsl     bool

	mu        sync.Mutex
	queue     []*hal.Request
	repeating *hal.Request
	closed    bool
	wake      chan struct{}
	quit      chan struct{}

	// 3A model, touched by run only
	af    hal.AFState
	scan  int
	ae    hal.AEState
	frame int
}

func newSession(d *device, outputs []hal.Surface, zsl bool) *session {
	return &session{
		d:       d,
		outputs: append([]hal.Surface(nil), outputs...),
		zsl:     zsl,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		af:      hal.AFStateInactive,
		ae:      hal.AEStateSearching,
	}
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
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
	s.signal()
	return nil
}

func (s *session) SetRepeatingRequest(req *hal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hal.ErrClosed
	}
	s.repeating = req.Clone()
	s.signal()
	return nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hal.ErrClosed
	}
	s.repeating = nil
	return nil
}

func (s *session) AbortCaptures() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hal.ErrClosed
	}
	s.queue = nil
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	return nil
}

// next pops the oldest queued request, or the repeating one when the queue is
// empty and the frame is due.
func (s *session) next() (*hal.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		return r, true
	}
	return s.repeating, false
}

func (s *session) run() {
	t := time.NewTicker(s.d.p.opts.FrameInterval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		case <-t.C:
		}
		for {
			req, queued := s.next()
			if req == nil {
				break
			}
			if !s.process(req) {
				return
			}
			if !queued {
				// one repeating frame per tick
				break
			}
		}
	}
}

func (s *session) process(req *hal.Request) bool {
	s.frame++
	c := req.Controls
	res := hal.Result{
		Slot:      s.d.slot,
		Kind:      hal.ResultCompleted,
		Token:     req.Token,
		Class:     req.Class,
		Timestamp: time.Now(),
	}
	if s.d.p.takeFailure(s.d.slot) {
		res.Kind = hal.ResultFailed
		return s.send(res, nil)
	}

	res.AF = s.focus(c)
	res.AE = s.exposure(c)
	if c.FaceDetect {
		res.Faces = 1
	}
	if c.Vendor[hal.VendorHistogram] == 1 {
		res.Histogram = histogram(s.frame, s.d.cam.Info.Mono)
	}

	var images []hal.Image
	for _, out := range req.Targets {
		switch out.Kind {
		case hal.SurfaceStill:
			images = append(images, s.still(req, out))
		case hal.SurfaceRaw:
			images = append(images, s.raw(req, out))
		}
	}
	return s.send(res, images)
}

func (s *session) focus(c hal.Controls) hal.AFState {
	if !s.d.cam.Caps.HasAutoFocus {
		s.af = hal.AFStateInactive
		return s.af
	}
	switch c.AFTrigger {
	case hal.AFTriggerStart:
		s.af = hal.AFStateActiveScan
		s.scan = s.d.p.opts.ScanFrames
		return s.af
	case hal.AFTriggerCancel:
		s.af = hal.AFStateInactive
		return s.af
	}
	switch s.af {
	case hal.AFStateActiveScan:
		s.scan--
		if s.scan <= 0 {
			s.af = hal.AFStateFocusedLocked
		}
	case hal.AFStateFocusedLocked, hal.AFStateNotFocusedLocked:
	default:
		if c.AFMode == hal.AFModeContinuousPicture || c.AFMode == hal.AFModeContinuousVideo {
			s.af = hal.AFStatePassiveFocused
		}
	}
	return s.af
}

func (s *session) exposure(c hal.Controls) hal.AEState {
	switch {
	case c.Precapture == hal.PrecaptureStart:
		s.ae = hal.AEStatePrecapture
	case c.AELock:
		s.ae = hal.AEStateLocked
	default:
		s.ae = hal.AEStateConverged
	}
	return s.ae
}

func (s *session) size(out hal.Surface) (int, int) {
	w, h := out.Width, out.Height
	if s.d.p.opts.StillWidth > 0 {
		w, h = s.d.p.opts.StillWidth, s.d.p.opts.StillHeight
	}
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}
	return w, h
}

func (s *session) still(req *hal.Request, out hal.Surface) hal.Image {
	w, h := s.size(out)
	data, err := image.Pattern(w, h, uint8(s.frame), s.d.cam.Info.Mono, req.Controls.JPEG.Quality)
	if err != nil {
		s.d.logger.Errorf("sim: encode still: %v", err)
	}
	return hal.Image{
		Slot:      s.d.slot,
		Token:     req.Token,
		Format:    hal.FormatJPEG,
		Width:     w,
		Height:    h,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func (s *session) raw(req *hal.Request, out hal.Surface) hal.Image {
	w, h := s.size(out)
	// a token-sized stand-in, not a real bayer dump
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(s.frame + i)
	}
	return hal.Image{
		Slot:      s.d.slot,
		Token:     req.Token,
		Format:    hal.FormatRaw,
		Width:     w,
		Height:    h,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func (s *session) send(res hal.Result, images []hal.Image) bool {
	select {
	case s.d.cb.Results <- res:
	case <-s.quit:
		return false
	}
	for _, img := range images {
		select {
		case s.d.cb.Images <- img:
		case <-s.quit:
			return false
		}
	}
	return true
}

func histogram(frame int, mono bool) []int {
	out := make([]int, 256)
	peak := 96 + frame%64
	if mono {
		peak = 128
	}
	for i := range out {
		d := i - peak
		if d < 0 {
			d = -d
		}
		if d < 64 {
			out[i] = (64 - d) * 16
		}
	}
	return out
}
