// Package session owns the open camera handles and their capture sessions.
//
// Open and Close take a global permit of capacity one, so at most one open or
// close is in flight at any time. The permit is released by the terminal
// device event, which is processed by Run; Open and Close must therefore not
// be called from the goroutine running Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dual-shutter/pkg/hal"
)

var (
	ErrPermitTimeout   = errors.New("timed out waiting for the camera open/close permit")
	ErrNotOpen         = errors.New("camera not open")
	ErrConfigureFailed = errors.New("capture session configuration failed")
)

// Hooks are called from the device-lifecycle goroutine.
type Hooks struct {
	// OnOpened is where the capture session of slot gets configured.
	OnOpened func(slot hal.SlotID)
	// OnConfigured issues the first preview of slot.
	OnConfigured func(slot hal.SlotID)
	// OnDisconnected reports a camera that went away.
	OnDisconnected func(slot hal.SlotID, err error)
	// OnFatal reports a condition that leaves capture unusable.
	OnFatal func(err error)
}

type Options struct {
	OpenTimeout  time.Duration
	CloseTimeout time.Duration
	Hooks        Hooks
	Logger       *zap.SugaredLogger
}

type slotState struct {
	cameraID string
	device   hal.Device
	session  hal.Session
	outputs  []hal.Surface
	zsl      bool
	// holdsPermit is set while an open or close of this slot owns the permit
	holdsPermit bool
}

type Manager struct {
	provider hal.Provider
	permit   *semaphore.Weighted
	opts     Options
	logger   *zap.SugaredLogger

	devices  chan hal.DeviceEvent
	sessions chan hal.SessionEvent
	cb       hal.Callbacks

	mu     sync.Mutex
	slots  map[hal.SlotID]*slotState
	paused bool
}

// New creates a manager. Results and images of every session are delivered
// on the given channels.
func New(p hal.Provider, results chan<- hal.Result, images chan<- hal.Image, opts Options) *Manager {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2500 * time.Millisecond
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 2000 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	m := &Manager{
		provider: p,
		permit:   semaphore.NewWeighted(1),
		opts:     opts,
		logger:   opts.Logger,
		devices:  make(chan hal.DeviceEvent, 16),
		sessions: make(chan hal.SessionEvent, 16),
		slots:    make(map[hal.SlotID]*slotState),
	}
	m.cb = hal.Callbacks{
		Device:  m.devices,
		Session: m.sessions,
		Results: results,
		Images:  images,
	}
	return m
}

// Run is the device-lifecycle worker. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.devices:
			m.HandleDeviceEvent(ev)
		case ev := <-m.sessions:
			m.HandleSessionEvent(ev)
		}
	}
}

func (m *Manager) state(slot hal.SlotID) *slotState {
	st, ok := m.slots[slot]
	if !ok {
		st = &slotState{}
		m.slots[slot] = st
	}
	return st
}

func (m *Manager) acquire(ctx context.Context, slot hal.SlotID, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := m.permit.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w (%s): %w", ErrPermitTimeout, slot, err)
	}
	m.mu.Lock()
	m.state(slot).holdsPermit = true
	m.mu.Unlock()
	return nil
}

// release gives the permit back if slot owns it. Must hold m.mu.
func (m *Manager) release(slot hal.SlotID) {
	st := m.state(slot)
	if !st.holdsPermit {
		return
	}
	st.holdsPermit = false
	m.permit.Release(1)
}

// Open starts opening cameraID for slot. The result arrives as a device
// event; the permit is held until then.
func (m *Manager) Open(ctx context.Context, slot hal.SlotID, cameraID string) error {
	if err := m.acquire(ctx, slot, m.opts.OpenTimeout); err != nil {
		return err
	}
	m.mu.Lock()
	m.state(slot).cameraID = cameraID
	m.mu.Unlock()

	m.logger.Infof("session: opening %s (%s)", slot, cameraID)
	if err := m.provider.Open(slot, cameraID, m.cb); err != nil {
		m.mu.Lock()
		m.release(slot)
		m.mu.Unlock()
		return fmt.Errorf("open %s: %w", slot, err)
	}
	return nil
}

func (m *Manager) HandleDeviceEvent(ev hal.DeviceEvent) {
	m.mu.Lock()
	st := m.state(ev.Slot)
	switch ev.Kind {
	case hal.DeviceOpened:
		st.device = ev.Device
		m.release(ev.Slot)
		m.mu.Unlock()
		m.logger.Infof("session: %s opened", ev.Slot)
		if m.opts.Hooks.OnOpened != nil {
			m.opts.Hooks.OnOpened(ev.Slot)
		}
		return
	case hal.DeviceClosed:
		st.device, st.session = nil, nil
		m.release(ev.Slot)
		m.mu.Unlock()
		m.logger.Infof("session: %s closed", ev.Slot)
		return
	}

	// disconnected or error: the handle is unusable either way
	dev := st.device
	if dev == nil {
		dev = ev.Device
	}
	st.device, st.session = nil, nil
	m.release(ev.Slot)
	m.mu.Unlock()

	if dev != nil {
		if err := dev.Close(); err != nil {
			m.logger.Debugf("session: close %s after %s: %v", ev.Slot, ev.Kind, err)
		}
	}
	if ev.Kind == hal.DeviceDisconnected {
		m.logger.Warnf("session: %s disconnected: %v", ev.Slot, ev.Err)
		if m.opts.Hooks.OnDisconnected != nil {
			m.opts.Hooks.OnDisconnected(ev.Slot, ev.Err)
		}
		return
	}
	m.logger.Errorf("session: %s device error: %v", ev.Slot, ev.Err)
	m.fatal(fmt.Errorf("camera %s: %w", ev.Slot, ev.Err))
}

func (m *Manager) fatal(err error) {
	if m.opts.Hooks.OnFatal != nil {
		m.opts.Hooks.OnFatal(err)
	}
}

// ConfigureSession creates the capture session of an open slot. The outcome
// arrives as a session event.
func (m *Manager) ConfigureSession(slot hal.SlotID, outputs []hal.Surface, zsl bool) error {
	m.mu.Lock()
	st := m.state(slot)
	dev := st.device
	if dev == nil {
		m.mu.Unlock()
		return fmt.Errorf("configure %s: %w", slot, ErrNotOpen)
	}
	st.outputs = append([]hal.Surface(nil), outputs...)
	st.zsl = zsl
	m.mu.Unlock()

	if err := dev.CreateSession(outputs, zsl); err != nil {
		m.logger.Warnf("session: create session on %s: %v", slot, err)
		return fmt.Errorf("configure %s: %w", slot, err)
	}
	return nil
}

func (m *Manager) HandleSessionEvent(ev hal.SessionEvent) {
	switch ev.Kind {
	case hal.SessionConfigured:
		m.mu.Lock()
		st := m.state(ev.Slot)
		if st.device == nil {
			// closed while configuring
			m.mu.Unlock()
			_ = ev.Session.Close()
			return
		}
		st.session = ev.Session
		m.mu.Unlock()
		m.logger.Infof("session: %s configured", ev.Slot)
		if m.opts.Hooks.OnConfigured != nil {
			m.opts.Hooks.OnConfigured(ev.Slot)
		}
	case hal.SessionConfigureFailed:
		m.logger.Errorf("session: %s configure failed: %v", ev.Slot, ev.Err)
		m.fatal(fmt.Errorf("%w on %s: %w", ErrConfigureFailed, ev.Slot, ev.Err))
	case hal.SessionClosed:
		m.mu.Lock()
		if st := m.state(ev.Slot); st.session == ev.Session {
			st.session = nil
		}
		m.mu.Unlock()
	}
}

// closeOrder puts auxiliary slots before PRIMARY.
func closeOrder(slots []hal.SlotID) []hal.SlotID {
	out := append([]hal.SlotID(nil), slots...)
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i] == hal.SlotPrimary) != (out[j] == hal.SlotPrimary) {
			return out[j] == hal.SlotPrimary
		}
		return out[i] < out[j]
	})
	return out
}

// Close closes slots, auxiliary sensors first. Each close waits for the
// permit; on timeout the stuck holder is forcibly released, the handles are
// dropped and OnFatal is called.
func (m *Manager) Close(ctx context.Context, slots ...hal.SlotID) error {
	var errs []error
	for _, slot := range closeOrder(slots) {
		if err := m.closeOne(ctx, slot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeOne(ctx context.Context, slot hal.SlotID) error {
	if err := m.acquire(ctx, slot, m.opts.CloseTimeout); err != nil {
		m.logger.Errorf("session: %v, forcing release of %s", err, slot)
		m.forceRelease(slot)
		m.fatal(err)
		return err
	}

	m.mu.Lock()
	st := m.state(slot)
	sess, dev := st.session, st.device
	st.session = nil
	if dev == nil {
		m.release(slot)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.Debugf("session: close session %s: %v", slot, err)
		}
	}
	m.logger.Infof("session: closing %s", slot)
	if err := dev.Close(); err != nil {
		m.logger.Warnf("session: close %s: %v", slot, err)
		m.mu.Lock()
		st.device = nil
		m.release(slot)
		m.mu.Unlock()
	}
	return nil
}

// forceRelease takes the permit away from whoever holds it and drops the
// handles of slot without waiting for the hardware.
func (m *Manager) forceRelease(slot hal.SlotID) {
	m.mu.Lock()
	for s := range m.slots {
		m.release(s)
	}
	st := m.state(slot)
	sess, dev := st.session, st.device
	st.session, st.device = nil, nil
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if dev != nil {
		_ = dev.Close()
	}
}

func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) IsOpen(slot hal.SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.slots[slot]
	return ok && st.device != nil
}

func (m *Manager) Configured(slot hal.SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.slots[slot]
	return ok && st.session != nil
}

// Outputs returns the surfaces slot was last configured with.
func (m *Manager) Outputs(slot hal.SlotID) []hal.Surface {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.slots[slot]; ok {
		return append([]hal.Surface(nil), st.outputs...)
	}
	return nil
}

// active returns the session of slot, or nil while paused or unconfigured.
func (m *Manager) active(slot hal.SlotID) hal.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil
	}
	if st, ok := m.slots[slot]; ok {
		return st.session
	}
	return nil
}

// submit runs fn against the session of slot. Without a session it is a
// silent no-op; a hardware error drops the attempt.
func (m *Manager) submit(slot hal.SlotID, what string, fn func(hal.Session) error) bool {
	s := m.active(slot)
	if s == nil {
		m.logger.Debugf("session: %s on %s skipped, no session", what, slot)
		return false
	}
	if err := fn(s); err != nil {
		m.logger.Warnf("session: %s on %s dropped: %v", what, slot, err)
		return false
	}
	return true
}

func (m *Manager) Capture(slot hal.SlotID, req *hal.Request) bool {
	return m.submit(slot, req.Class.String(), func(s hal.Session) error { return s.Capture(req) })
}

func (m *Manager) SetRepeating(slot hal.SlotID, req *hal.Request) bool {
	return m.submit(slot, "repeating "+req.Class.String(), func(s hal.Session) error { return s.SetRepeatingRequest(req) })
}

func (m *Manager) StopRepeating(slot hal.SlotID) bool {
	return m.submit(slot, "stop repeating", func(s hal.Session) error { return s.StopRepeating() })
}

// AbortCaptures discards the queued requests of slot. The repeating request is
// kept.
func (m *Manager) AbortCaptures(slot hal.SlotID) bool {
	return m.submit(slot, "abort", func(s hal.Session) error { return s.AbortCaptures() })
}
