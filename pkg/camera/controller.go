package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dual-shutter/pkg/capture"
	"dual-shutter/pkg/config"
	"dual-shutter/pkg/dispatch"
	"dual-shutter/pkg/dual"
	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/histogram"
	"dual-shutter/pkg/registry"
	"dual-shutter/pkg/request"
	"dual-shutter/pkg/session"
	"dual-shutter/pkg/settings"
	"dual-shutter/pkg/utils"
)

const commandTimeout = 5 * time.Second

type Options struct {
	Provider  hal.Provider
	Registry  *registry.Registry
	Settings  *settings.Store
	Histogram *histogram.Buffer
	// Dispatch configures the capture pipeline. OnComplete is chained after
	// the controller's own unlock.
	Dispatch dispatch.Options

	Notifier  Notifier
	Surfaces  Surfaces
	Locations LocationProvider

	Camera  config.CameraConfig
	Capture config.CaptureConfig

	Logger *zap.SugaredLogger
}

// mode is the set of slots one camera configuration runs.
type mode struct {
	dual  bool
	slots []hal.SlotID
}

type cmdKind int

const (
	cmdInstall cmdKind = iota
	cmdTeardown
	cmdReconfigure
	cmdConfigured
	cmdDisconnected
	cmdShutter
	cmdLongShot
	cmdTouch
	cmdUnlock
	cmdUpdatePreview
)

type command struct {
	kind cmdKind
	slot hal.SlotID
	mode mode
	x, y float64
	keys []string
	done chan error
}

func (c command) reply(err error) {
	if c.done != nil {
		c.done <- err
	}
}

// Controller runs the cameras. Hardware results, timers and commands are all
// consumed by one capture-callback goroutine, which is the only one touching
// the capture machines.
type Controller struct {
	opts       Options
	logger     *zap.SugaredLogger
	registry   *registry.Registry
	store      *settings.Store
	hist       *histogram.Buffer
	notifier   Notifier
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	tokens     capture.Tokens

	results  chan hal.Result
	images   chan hal.Image
	cmds     chan command
	timeouts chan capture.Timeout
	quit     chan struct{}

	coord       atomic.Pointer[dual.Coordinator]
	ready       atomic.Bool
	orientation atomic.Int32

	// owned by the capture-callback goroutine
	mode       mode
	configured map[hal.SlotID]bool
	faces      map[hal.SlotID]int

	lifecycle sync.Mutex
	resumed   bool
	active    mode

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Provider == nil || opts.Registry == nil || opts.Settings == nil {
		return nil, errors.New("camera: provider, registry and settings are required")
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Surfaces == nil {
		opts.Surfaces = FixedSurfaces{}
	}
	if opts.Histogram == nil {
		opts.Histogram = histogram.New()
	}
	if opts.Camera.PreviewWidth <= 0 || opts.Camera.PreviewHeight <= 0 {
		opts.Camera.PreviewWidth, opts.Camera.PreviewHeight = 640, 480
	}

	c := &Controller{
		opts:       opts,
		logger:     opts.Logger,
		registry:   opts.Registry,
		store:      opts.Settings,
		hist:       opts.Histogram,
		notifier:   opts.Notifier,
		results:    make(chan hal.Result, 64),
		images:     make(chan hal.Image, 16),
		cmds:       make(chan command, 32),
		timeouts:   make(chan capture.Timeout, 8),
		quit:       make(chan struct{}),
		configured: make(map[hal.SlotID]bool),
		faces:      make(map[hal.SlotID]int),
	}

	dopts := opts.Dispatch
	if dopts.Warner == nil {
		dopts.Warner = c.notifier
	}
	if dopts.Logger == nil {
		dopts.Logger = c.logger
	}
	onComplete := dopts.OnComplete
	dopts.OnComplete = func(s dispatch.Summary) {
		c.post(command{kind: cmdUnlock})
		if onComplete != nil {
			onComplete(s)
		}
	}
	c.dispatcher = dispatch.New(dopts)

	c.sessions = session.New(opts.Provider, c.results, c.images, session.Options{
		OpenTimeout:  opts.Capture.OpenTimeout(),
		CloseTimeout: opts.Capture.CloseTimeout(),
		Hooks: session.Hooks{
			OnOpened: func(slot hal.SlotID) {
				go c.configure(slot)
			},
			OnConfigured: func(slot hal.SlotID) {
				c.post(command{kind: cmdConfigured, slot: slot})
			},
			OnDisconnected: func(slot hal.SlotID, err error) {
				c.notifier.Warn(fmt.Sprintf("camera %s disconnected", slot))
				c.post(command{kind: cmdDisconnected, slot: slot})
			},
			OnFatal: func(err error) {
				c.notifier.Fatal(err)
			},
		},
		Logger: c.logger,
	})
	opts.Settings.Subscribe(c.settingsChanged)

	return c, nil
}

// Start runs the workers and opens the cameras.
func (c *Controller) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.sessions.Run(wctx)
	}()
	go c.run(wctx)
	go c.deliver(wctx)

	return c.Resume(ctx)
}

// Close pauses the cameras and stops the workers.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := c.Pause(ctx); err != nil {
			c.logger.Warnf("camera: pause on close: %v", err)
		}
		close(c.quit)
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.dispatcher.Close()
	})
}

// post queues cmd without waiting, so it may be called from the
// capture-callback goroutine itself.
func (c *Controller) post(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
		go func() {
			select {
			case c.cmds <- cmd:
			case <-c.quit:
			}
		}()
	}
}

// do runs cmd on the capture-callback goroutine and waits for its outcome.
func (c *Controller) do(ctx context.Context, cmd command) error {
	cmd.done = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) postTimeout(t capture.Timeout) {
	select {
	case c.timeouts <- t:
	case <-c.quit:
	}
}

// run is the capture-callback worker.
func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-c.results:
			c.handleResult(r)
		case t := <-c.timeouts:
			if coord := c.coord.Load(); coord != nil {
				coord.HandleTimeout(t)
			}
		case cmd := <-c.cmds:
			c.handle(cmd)
		}
	}
}

// deliver is the image-available worker.
func (c *Controller) deliver(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case img := <-c.images:
			c.dispatcher.Deliver(img)
		}
	}
}

func (c *Controller) handleResult(r hal.Result) {
	if r.Kind == hal.ResultFailed && r.Class == hal.ClassStillCapture {
		c.dispatcher.Failed(r.Slot, r.Token)
	}
	if len(r.Histogram) > 0 && len(c.mode.slots) > 0 && r.Slot == c.mode.slots[0] {
		c.hist.Update(r.Histogram)
	}
	if r.Kind == hal.ResultCompleted && r.Faces != c.faces[r.Slot] {
		c.faces[r.Slot] = r.Faces
		c.notifier.Faces(r.Slot, r.Faces)
	}
	if coord := c.coord.Load(); coord != nil {
		coord.HandleResult(r)
	}
}

func (c *Controller) handle(cmd command) {
	switch cmd.kind {
	case cmdInstall:
		c.install(cmd.mode)
		cmd.reply(nil)
	case cmdTeardown:
		c.teardown()
		cmd.reply(nil)
	case cmdReconfigure:
		c.reconfigure()
		cmd.reply(nil)
	case cmdConfigured:
		c.sessionConfigured(cmd.slot)
	case cmdDisconnected:
		c.disconnected(cmd.slot)
	case cmdShutter:
		cmd.reply(c.shutter(false))
	case cmdLongShot:
		cmd.reply(c.shutter(true))
	case cmdTouch:
		cmd.reply(c.touch(cmd.x, cmd.y))
	case cmdUnlock:
		if coord := c.coord.Load(); coord != nil {
			coord.UnlockFocus()
		}
	case cmdUpdatePreview:
		c.updatePreview(cmd.keys)
	}
}

func (c *Controller) install(m mode) {
	c.mode = m
	c.configured = make(map[hal.SlotID]bool)
	c.faces = make(map[hal.SlotID]int)

	coord := dual.New(m.dual, func() bool { return c.store.Bool(settings.KeyMonoPreview) }, c.logger)
	for _, slot := range m.slots {
		coord.Attach(capture.New(capture.Options{
			Slot:               slot,
			Submitter:          c.sessions,
			Source:             c,
			Tokens:             &c.tokens,
			Listener:           c,
			Gate:               c.dispatcher,
			Rendezvous:         coord.Rendezvous(),
			Mono:               m.dual && slot == hal.SlotSecondary,
			PreviewRepeats:     coord.PreviewRepeatsFunc(slot),
			TouchFocusTimeout:  c.opts.Capture.TouchFocusTimeout(),
			ConvergenceTimeout: c.opts.Capture.ConvergenceTimeout(),
			Post:               c.postTimeout,
			Logger:             c.logger,
		}))
	}
	c.coord.Store(coord)
	c.logger.Infof("camera: running %v, dual %t", m.slots, m.dual)
}

// teardown drops the machines before the sessions go away.
func (c *Controller) teardown() {
	c.reconfigure()
	if coord := c.coord.Load(); coord != nil {
		coord.Detach()
	}
	c.coord.Store(nil)
	c.hist.Reset()
}

// reconfigure returns every machine to PREVIEW ahead of new sessions.
func (c *Controller) reconfigure() {
	c.ready.Store(false)
	c.notifier.ShutterEnabled(false)
	c.dispatcher.CancelLongShot()
	if coord := c.coord.Load(); coord != nil {
		coord.UnlinkSensors()
		coord.Reset()
	}
	// queued stills of the old configuration have no pending to land in
	for slot, ok := range c.configured {
		if ok {
			c.sessions.AbortCaptures(slot)
		}
	}
	c.dispatcher.Reset()
	c.configured = make(map[hal.SlotID]bool)
}

func (c *Controller) sessionConfigured(slot hal.SlotID) {
	coord := c.coord.Load()
	if coord == nil {
		return
	}
	if _, ok := coord.Machine(slot); !ok {
		return
	}
	c.configured[slot] = true
	coord.StartPreview(slot)
	for _, s := range c.mode.slots {
		if !c.configured[s] {
			return
		}
	}
	coord.LinkSensors()
	c.ready.Store(true)
	c.notifier.ShutterEnabled(true)
}

func (c *Controller) disconnected(slot hal.SlotID) {
	c.configured[slot] = false
	c.ready.Store(false)
	c.notifier.ShutterEnabled(false)
	c.dispatcher.CancelLongShot()
	coord := c.coord.Load()
	if coord == nil {
		return
	}
	coord.UnlinkSensors()
	if m, ok := coord.Machine(slot); ok {
		m.Reset()
	}
}

// shutter starts the still sequence on every running slot.
func (c *Controller) shutter(longShot bool) error {
	coord := c.coord.Load()
	if coord == nil || !c.ready.Load() {
		return ErrNotReady
	}
	if !armed(coord.States()) {
		return ErrBusy
	}

	kind := dispatch.KindCommon
	switch {
	case longShot && coord.Dual():
		return ErrLongShotDual
	case longShot:
		if err := c.dispatcher.StartLongShot(); err != nil {
			return err
		}
		kind = dispatch.KindLongShot
	case coord.Dual() && c.store.Bool(settings.KeyClearSight):
		kind = dispatch.KindClearSight
	}

	p := c.dispatcher.Begin(kind, c.mode.slots...)
	c.notifier.ShutterEnabled(false)
	if coord.LockFocus() {
		return nil
	}
	c.logger.Warn("camera: shutter refused, unlocking")
	coord.UnlockFocus()
	c.dispatcher.Discard(p)
	if coord.Idle() {
		c.notifier.ShutterEnabled(true)
	}
	return ErrDropped
}

// armed reports whether every slot accepts a shutter press: in preview, or
// still waiting on a touch focus.
func armed(states map[hal.SlotID]capture.State) bool {
	for _, st := range states {
		if st != capture.StatePreview && st != capture.StateWaitingTouchFocus {
			return false
		}
	}
	return len(states) > 0
}

func (c *Controller) touch(x, y float64) error {
	coord := c.coord.Load()
	if coord == nil || !c.ready.Load() || len(c.mode.slots) == 0 {
		return ErrNotReady
	}
	caps := c.Capabilities(c.mode.slots[0])
	regions := []hal.MeteringRect{request.TouchRegion(caps.ActiveArray, x, y, 0)}
	if !coord.TouchFocus(regions, regions) {
		return ErrDropped
	}
	return nil
}

func (c *Controller) updatePreview(keys []string) {
	coord := c.coord.Load()
	if coord == nil {
		return
	}
	for _, k := range keys {
		switch k {
		case settings.KeyMonoPreview:
			if coord.Dual() && !c.store.Bool(k) {
				c.sessions.StopRepeating(hal.SlotSecondary)
			}
		case settings.KeyHistogram:
			if !c.store.Bool(k) {
				c.hist.Reset()
			}
		}
	}
	// a capture in flight picks the new values up when it unlocks
	if coord.Idle() {
		coord.UpdatePreview()
	}
}

func (c *Controller) StateChanged(slot hal.SlotID, _, to capture.State) {
	switch to {
	case capture.StatePictureTaken:
		c.dispatcher.PictureTaken(slot)
	case capture.StatePreview:
		if coord := c.coord.Load(); coord != nil && c.ready.Load() && coord.Idle() {
			c.notifier.ShutterEnabled(true)
		}
	}
}

func (c *Controller) StillSubmitted(slot hal.SlotID, req *hal.Request) {
	c.dispatcher.Submitted(slot, req)
}

func (c *Controller) BurstFinished(_ hal.SlotID, shots int) {
	c.dispatcher.EndBurst(shots)
}

func (c *Controller) send(kind cmdKind) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return c.do(ctx, command{kind: kind})
}

// TakePicture presses the shutter. It returns once the focus lock is
// submitted; the picture is saved asynchronously.
func (c *Controller) TakePicture() error {
	return c.send(cmdShutter)
}

// StartLongShot starts a burst that runs until StopLongShot or until memory
// or storage runs low.
func (c *Controller) StartLongShot() error {
	return c.send(cmdLongShot)
}

// StopLongShot ends the burst after the still in flight.
func (c *Controller) StopLongShot() {
	c.dispatcher.CancelLongShot()
}

// TouchFocus focuses on the normalised point x, y of the preview.
func (c *Controller) TouchFocus(x, y float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return c.do(ctx, command{kind: cmdTouch, x: x, y: y})
}

// Ready reports whether every running slot has a configured session.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Idle reports whether every running slot is back in PREVIEW.
func (c *Controller) Idle() bool {
	coord := c.coord.Load()
	return coord != nil && coord.Idle()
}

func (c *Controller) States() map[hal.SlotID]capture.State {
	if coord := c.coord.Load(); coord != nil {
		return coord.States()
	}
	return nil
}

// Slots returns the slots the cameras currently run on.
func (c *Controller) Slots() []hal.SlotID {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.resumed {
		return nil
	}
	return append([]hal.SlotID(nil), c.active.slots...)
}

func (c *Controller) Dual() bool {
	coord := c.coord.Load()
	return coord != nil && coord.Dual()
}

func (c *Controller) Cameras() []registry.Camera {
	return c.registry.ListPhysicalCameras()
}

func (c *Controller) Histogram() histogram.Snapshot {
	return c.hist.Snapshot()
}

func (c *Controller) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}
