// Package capture implements the per-slot capture state machine.
//
// A Machine is owned by a single goroutine: every method except State must be
// called from it. Results of one slot must be fed in the order the hardware
// delivered them.
package capture

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/request"
	"dual-shutter/pkg/utils"
)

// Submitter hands requests to the hardware session of a slot. A false return
// means the attempt was dropped; it is never retried by the machine.
type Submitter interface {
	Capture(slot hal.SlotID, req *hal.Request) bool
	SetRepeating(slot hal.SlotID, req *hal.Request) bool
	StopRepeating(slot hal.SlotID) bool
}

// Source supplies what a request is built from at submission time.
type Source interface {
	Settings(slot hal.SlotID) request.Settings
	Flags(slot hal.SlotID) request.Flags
	Capabilities(slot hal.SlotID) hal.Capabilities
}

// Rendezvous gates still capture in dual mode.
type Rendezvous interface {
	// Locked is called after slot entered StateLocked.
	Locked(slot hal.SlotID)
	// PeerExposureLocked reports whether the sensor linked to slot holds an
	// AE lock that slot follows.
	PeerExposureLocked(slot hal.SlotID) bool
}

// BurstGate is the long-shot side of the dispatcher.
type BurstGate interface {
	LongShotActive() bool
	// AllowNextShot samples memory and storage; false ends the burst.
	AllowNextShot() bool
}

// Listener observes a machine. Calls are made on the owning goroutine and
// must not call back into the machine.
type Listener interface {
	StateChanged(slot hal.SlotID, from, to State)
	StillSubmitted(slot hal.SlotID, req *hal.Request)
	BurstFinished(slot hal.SlotID, shots int)
}

type Options struct {
	Slot      hal.SlotID
	Submitter Submitter
	Source    Source
	Tokens    *Tokens
	Listener  Listener
	Gate      BurstGate
	// Rendezvous is nil in single-camera mode.
	Rendezvous Rendezvous
	// Mono marks the secondary sensor of a dual pair.
	Mono bool
	// PreviewRepeats decides between a repeating preview and single captures.
	// Nil means repeating.
	PreviewRepeats func() bool

	TouchFocusTimeout  time.Duration
	ConvergenceTimeout time.Duration
	// After arms a timer; the returned func stops it. Defaults to time.AfterFunc.
	After func(d time.Duration, f func()) (stop func() bool)
	// Post delivers a fired timer back to the owning goroutine.
	Post func(Timeout)

	Logger *zap.SugaredLogger
}

type Machine struct {
	opts   Options
	slot   hal.SlotID
	fsm    *fsm.FSM
	logger *zap.SugaredLogger

	// outstanding lock/precapture/AE-lock token, zero when none
	token hal.Token

	aeLocked    bool
	touchActive bool
	afRegions   []hal.MeteringRect
	aeRegions   []hal.MeteringRect

	touchGen  uint64
	touchStop func() bool
	convGen   uint64
	convStop  func() bool

	bursting   bool
	shots      int
	stillToken hal.Token
}

func New(opts Options) *Machine {
	if opts.Tokens == nil {
		opts.Tokens = &Tokens{}
	}
	if opts.After == nil {
		opts.After = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	m := &Machine{
		opts:   opts,
		slot:   opts.Slot,
		logger: opts.Logger.With("slot", opts.Slot.String()),
	}

	waiting := []State{StateWaitingAFLock, StateWaitingPrecapture, StateWaitingAELock}
	m.fsm = fsm.NewFSM(
		string(StatePreview),
		fsm.Events{
			{Name: evTouchFocus, Src: names(StatePreview), Dst: string(StateWaitingTouchFocus)},
			{Name: evTouchTimeout, Src: names(StateWaitingTouchFocus), Dst: string(StatePreview)},
			{Name: evLockFocus, Src: names(StatePreview, StateWaitingTouchFocus), Dst: string(StateWaitingAFLock)},
			{Name: evPrecapture, Src: names(StateWaitingAFLock), Dst: string(StateWaitingPrecapture)},
			{Name: evLockExposure, Src: names(StateWaitingAFLock, StateWaitingPrecapture), Dst: string(StateWaitingAELock)},
			{Name: evLocked, Src: names(waiting...), Dst: string(StateLocked)},
			{Name: evPictureTaken, Src: names(append(waiting, StateLocked)...), Dst: string(StatePictureTaken)},
			{Name: evUnlock, Src: names(append(waiting, StateWaitingTouchFocus, StateLocked, StatePictureTaken)...), Dst: string(StatePreview)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.entered(State(e.Src), State(e.Dst))
			},
		},
	)
	return m
}

func (m *Machine) Slot() hal.SlotID { return m.slot }

// State is safe to call from any goroutine.
func (m *Machine) State() State {
	return State(m.fsm.Current())
}

// Token returns the outstanding correlation token, zero when none.
func (m *Machine) Token() hal.Token { return m.token }

func (m *Machine) fire(event string) bool {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Warnf("capture: %s in state %s: %v", event, m.State(), err)
		return false
	}
	return true
}

func (m *Machine) entered(from, to State) {
	m.convGen++
	if m.convStop != nil {
		m.convStop()
		m.convStop = nil
	}
	if to.Waiting() && m.opts.ConvergenceTimeout > 0 {
		m.convStop = m.arm(m.opts.ConvergenceTimeout, TimeoutConvergence, m.convGen)
	}
	m.logger.Debugf("capture: %s -> %s", from, to)
	if m.opts.Listener != nil {
		m.opts.Listener.StateChanged(m.slot, from, to)
	}
}

func (m *Machine) arm(d time.Duration, kind TimeoutKind, gen uint64) func() bool {
	t := Timeout{Slot: m.slot, Kind: kind, Gen: gen}
	return m.opts.After(d, func() {
		if m.opts.Post != nil {
			m.opts.Post(t)
		}
	})
}

func (m *Machine) repeats() bool {
	return m.opts.PreviewRepeats == nil || m.opts.PreviewRepeats()
}

func (m *Machine) dual() bool { return m.opts.Rendezvous != nil }

func (m *Machine) caps() hal.Capabilities {
	return m.opts.Source.Capabilities(m.slot)
}

func (m *Machine) settings() request.Settings {
	return m.opts.Source.Settings(m.slot)
}

func (m *Machine) build(class hal.RequestClass) *hal.Request {
	s := m.settings()
	f := m.opts.Source.Flags(m.slot)
	if m.touchActive {
		s.AFRegions = m.afRegions
		s.AERegions = m.aeRegions
		f.TouchActive = true
	}
	f.AELocked = m.aeLocked
	if m.bursting {
		f.LongShot = true
		f.BurstIndex = m.shots
	}
	req := request.Build(class, m.slot, s, f, m.caps())
	req.Token = m.opts.Tokens.Next()
	return req
}

// submitPreview re-issues the preview with the current lock and touch state,
// as a repeating request or a single capture depending on the preview policy.
func (m *Machine) submitPreview(class hal.RequestClass) (*hal.Request, bool) {
	req := m.build(class)
	if m.repeats() {
		return req, m.opts.Submitter.SetRepeating(m.slot, req)
	}
	return req, m.opts.Submitter.Capture(m.slot, req)
}

// StartPreview issues the first preview of a freshly configured session.
func (m *Machine) StartPreview() bool {
	_, ok := m.submitPreview(hal.ClassPreview)
	return ok
}

// UpdatePreview re-applies changed settings (zoom, effects, flash) to the
// ongoing preview without touching the state.
func (m *Machine) UpdatePreview() bool {
	_, ok := m.submitPreview(hal.ClassPreview)
	return ok
}

// LockFocus starts the still sequence. It is accepted in PREVIEW and
// WAITING_TOUCH_FOCUS only.
func (m *Machine) LockFocus() bool {
	st := m.State()
	if st != StatePreview && st != StateWaitingTouchFocus {
		m.logger.Infof("capture: lock focus ignored in state %s", st)
		return false
	}
	if !m.caps().HasAutoFocus {
		// fixed focus, nothing to trigger
		if !m.fire(evLockFocus) {
			return false
		}
		m.token = 0
		m.afterFocus(hal.AEStateUnknown)
		return true
	}

	req := m.build(hal.ClassLockFocus)
	if !m.opts.Submitter.Capture(m.slot, req) {
		m.logger.Warn("capture: lock focus request dropped")
		return false
	}
	if !m.repeats() {
		// a non-repeating slot needs a frame after the trigger to report AF
		m.opts.Submitter.Capture(m.slot, m.build(hal.ClassPreview))
	}
	m.cancelTouchTimer()
	m.token = req.Token
	return m.fire(evLockFocus)
}

// TouchFocus runs an AF scan on regions and reverts to continuous AF after
// the touch-focus timeout unless the shutter is pressed first.
func (m *Machine) TouchFocus(af, ae []hal.MeteringRect) bool {
	st := m.State()
	if st != StatePreview && st != StateWaitingTouchFocus {
		m.logger.Infof("capture: touch focus ignored in state %s", st)
		return false
	}
	if !m.caps().HasAutoFocus {
		return false
	}

	prevActive, prevAF, prevAE := m.touchActive, m.afRegions, m.aeRegions
	m.touchActive = true
	m.afRegions = append([]hal.MeteringRect(nil), af...)
	m.aeRegions = append([]hal.MeteringRect(nil), ae...)

	trigger := m.build(hal.ClassTouchFocus)
	if !m.opts.Submitter.Capture(m.slot, trigger) {
		m.touchActive, m.afRegions, m.aeRegions = prevActive, prevAF, prevAE
		m.logger.Warn("capture: touch focus request dropped")
		return false
	}
	m.submitPreview(hal.ClassPreview)

	m.cancelTouchTimer()
	m.touchGen++
	if m.opts.TouchFocusTimeout > 0 {
		m.touchStop = m.arm(m.opts.TouchFocusTimeout, TimeoutTouchFocus, m.touchGen)
	}
	if st == StatePreview {
		return m.fire(evTouchFocus)
	}
	return true
}

func (m *Machine) cancelTouchTimer() {
	if m.touchStop != nil {
		m.touchStop()
		m.touchStop = nil
	}
	m.touchGen++
}

// HandleTimeout consumes a timer posted through Options.Post.
func (m *Machine) HandleTimeout(t Timeout) {
	switch t.Kind {
	case TimeoutTouchFocus:
		if t.Gen != m.touchGen || m.State() != StateWaitingTouchFocus {
			return
		}
		m.touchStop = nil
		m.touchActive = false
		m.afRegions, m.aeRegions = nil, nil
		if !m.opts.Submitter.Capture(m.slot, m.build(hal.ClassUnlock)) {
			m.logger.Warn("capture: touch focus cancel dropped")
			return
		}
		m.submitPreview(hal.ClassPreview)
		m.fire(evTouchTimeout)
	case TimeoutConvergence:
		st := m.State()
		if t.Gen != m.convGen || !st.Waiting() {
			return
		}
		m.convStop = nil
		m.logger.Warnf("capture: no convergence in %s after %s, capturing anyway", st, m.opts.ConvergenceTimeout)
		m.token = 0
		m.capturePath()
	}
}

// admit applies the correlation-token rule. With a token outstanding only a
// result carrying that token may converge; a completed result for it that did
// not converge abandons the token. With no token outstanding any converged
// result advances.
func (m *Machine) admit(r hal.Result, converged bool) bool {
	if m.token != 0 && r.Token != m.token {
		m.logger.Debugf("capture: result token %d ignored, waiting for %d", r.Token, m.token)
		return false
	}
	if converged {
		return true
	}
	if m.token != 0 && r.Kind == hal.ResultCompleted {
		m.logger.Debugf("capture: token %d completed without convergence, abandoned", m.token)
		m.token = 0
	}
	return false
}

// HandleResult feeds one hardware result to the machine.
func (m *Machine) HandleResult(r hal.Result) {
	switch r.Kind {
	case hal.ResultFailed:
		m.logger.Warnf("capture: %s request %d failed", r.Class, r.Token)
		if r.Token != 0 && r.Token == m.token {
			m.token = 0
		}
		if r.Token != 0 && r.Token == m.stillToken {
			m.stillDone()
		}
		return
	case hal.ResultCompleted:
		if r.Token != 0 && r.Token == m.stillToken {
			m.stillDone()
			return
		}
	}

	switch m.State() {
	case StateWaitingAFLock:
		caps := m.caps()
		converged := afConverged(r.AF) ||
			(m.token != 0 && r.Token == m.token && r.AF == hal.AFStateInactive) ||
			!caps.HasAutoFocus
		if !m.admit(r, converged) {
			return
		}
		if m.opts.Mono && m.dual() {
			// mono AE follows the bayer sensor through the link
			if r.AE == hal.AEStateUnknown || r.AE == hal.AEStateLocked ||
				m.opts.Rendezvous.PeerExposureLocked(m.slot) {
				m.capturePath()
			} else {
				m.token = 0
				m.fire(evLockExposure)
			}
			return
		}
		m.afterFocus(r.AE)

	case StateWaitingPrecapture:
		flashBurst := m.longShot() && m.settings().Flash == request.FlashOn
		if !m.admit(r, flashBurst || precaptureDone(r.AE)) {
			return
		}
		if flashBurst {
			m.aeLocked = true
			m.submitPreview(hal.ClassLockExposure)
			m.token = 0
			m.capturePath()
			return
		}
		m.lockExposure()

	case StateWaitingAELock:
		if !m.admit(r, r.AE == hal.AEStateUnknown || r.AE == hal.AEStateLocked) {
			return
		}
		m.capturePath()
	}
}

func (m *Machine) longShot() bool {
	return m.opts.Gate != nil && m.opts.Gate.LongShotActive()
}

func (m *Machine) afterFocus(ae hal.AEState) {
	if (ae == hal.AEStateUnknown || ae == hal.AEStateConverged) && !request.FlashFires(m.settings()) {
		m.lockExposure()
		return
	}
	m.runPrecapture()
}

func (m *Machine) runPrecapture() {
	req := m.build(hal.ClassPrecapture)
	if !m.opts.Submitter.Capture(m.slot, req) {
		m.logger.Warn("capture: precapture request dropped")
		return
	}
	m.token = req.Token
	m.fire(evPrecapture)
}

func (m *Machine) lockExposure() {
	m.aeLocked = true
	req, ok := m.submitPreview(hal.ClassLockExposure)
	if !ok {
		m.aeLocked = false
		m.logger.Warn("capture: exposure lock request dropped")
		return
	}
	m.token = req.Token
	m.fire(evLockExposure)
}

func (m *Machine) capturePath() {
	if !m.EnterLocked() {
		return
	}
	if m.dual() {
		m.opts.Rendezvous.Locked(m.slot)
		return
	}
	m.CaptureStill()
}

// EnterLocked marks the slot AF_AE_LOCKED. In dual mode a mono sensor without
// a repeating preview stops its keep-alive request here and waits for the
// rendezvous.
func (m *Machine) EnterLocked() bool {
	if m.State() == StateLocked {
		return true
	}
	if !m.fire(evLocked) {
		return false
	}
	m.token = 0
	if m.opts.Mono && m.dual() && !m.repeats() {
		m.opts.Submitter.StopRepeating(m.slot)
	}
	return true
}

// CaptureStill submits the still request and moves to PICTURE_TAKEN. During a
// long shot the memory gate is consulted first and a refused shot ends the
// burst instead. A dropped submission leaves the state untouched.
func (m *Machine) CaptureStill() bool {
	if !m.SubmitStill() {
		return false
	}
	return m.MarkPictureTaken()
}

// SubmitStill issues the still request without changing state.
func (m *Machine) SubmitStill() bool {
	if m.longShot() && !m.bursting {
		m.bursting = true
		m.shots = 0
	}
	if m.bursting && !m.opts.Gate.AllowNextShot() {
		m.finishBurst()
		return false
	}

	req := m.build(hal.ClassStillCapture)
	if !m.opts.Submitter.Capture(m.slot, req) {
		m.logger.Warn("capture: still request dropped")
		if m.bursting {
			m.finishBurst()
		}
		return false
	}
	m.stillToken = req.Token
	m.token = 0
	if m.opts.Listener != nil {
		m.opts.Listener.StillSubmitted(m.slot, req)
	}
	if !m.bursting && !m.dual() && m.settings().SceneMode == request.SceneDebug {
		// debug scene keeps a second frame of the same exposure
		dup := m.build(hal.ClassStillCapture)
		if m.opts.Submitter.Capture(m.slot, dup) && m.opts.Listener != nil {
			m.opts.Listener.StillSubmitted(m.slot, dup)
		}
	}
	return true
}

// MarkPictureTaken moves the slot to PICTURE_TAKEN. Stills must be submitted
// first: the dispatcher seals the pending capture on this transition.
func (m *Machine) MarkPictureTaken() bool {
	if m.State() == StatePictureTaken {
		return true
	}
	return m.fire(evPictureTaken)
}

// stillDone continues or ends a long shot once the previous still is out.
func (m *Machine) stillDone() {
	m.stillToken = 0
	if !m.bursting {
		return
	}
	m.shots++
	if !m.opts.Gate.LongShotActive() {
		m.finishBurst()
		return
	}
	m.CaptureStill()
}

func (m *Machine) finishBurst() {
	shots := m.shots
	m.bursting = false
	m.shots = 0
	m.logger.Infof("capture: long shot finished after %d shots", shots)
	if m.opts.Listener != nil {
		m.opts.Listener.BurstFinished(m.slot, shots)
	}
}

// Bursting reports whether a long shot is running on this slot.
func (m *Machine) Bursting() bool { return m.bursting }

// UnlockFocus cancels the AF trigger, restores continuous AF and releases the
// AE lock on the preview. It does nothing in PREVIEW.
func (m *Machine) UnlockFocus() bool {
	st := m.State()
	if st == StatePreview {
		return true
	}
	m.cancelTouchTimer()

	prevLocked, prevTouch := m.aeLocked, m.touchActive
	m.aeLocked = false
	m.touchActive = false
	req := m.build(hal.ClassUnlock)
	if !m.opts.Submitter.Capture(m.slot, req) {
		m.aeLocked, m.touchActive = prevLocked, prevTouch
		m.logger.Warnf("capture: unlock request dropped in state %s", st)
		return false
	}
	m.afRegions, m.aeRegions = nil, nil
	m.submitPreview(hal.ClassPreview)
	m.token = 0
	return m.fire(evUnlock)
}

// Reset drops all convergence bookkeeping and returns to PREVIEW without
// submitting anything. Used when the session goes away.
func (m *Machine) Reset() {
	if m.touchStop != nil {
		m.touchStop()
		m.touchStop = nil
	}
	if m.convStop != nil {
		m.convStop()
		m.convStop = nil
	}
	m.touchGen++
	m.convGen++
	m.token = 0
	m.stillToken = 0
	m.aeLocked = false
	m.touchActive = false
	m.afRegions, m.aeRegions = nil, nil
	m.bursting = false
	m.shots = 0
	m.fsm.SetState(string(StatePreview))
}
