package capture

import (
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/request"
)

type submission struct {
	op  string
	req *hal.Request
}

type fakeSubmitter struct {
	fail  bool
	calls []submission
}

func (f *fakeSubmitter) Capture(_ hal.SlotID, req *hal.Request) bool {
	if f.fail {
		return false
	}
	f.calls = append(f.calls, submission{"capture", req})
	return true
}

func (f *fakeSubmitter) SetRepeating(_ hal.SlotID, req *hal.Request) bool {
	if f.fail {
		return false
	}
	f.calls = append(f.calls, submission{"repeating", req})
	return true
}

func (f *fakeSubmitter) StopRepeating(hal.SlotID) bool {
	f.calls = append(f.calls, submission{op: "stop"})
	return !f.fail
}

func (f *fakeSubmitter) last(class hal.RequestClass) (submission, bool) {
	for i := len(f.calls) - 1; i >= 0; i-- {
		if c := f.calls[i]; c.req != nil && c.req.Class == class {
			return c, true
		}
	}
	return submission{}, false
}

func (f *fakeSubmitter) count(class hal.RequestClass) int {
	n := 0
	for _, c := range f.calls {
		if c.req != nil && c.req.Class == class {
			n++
		}
	}
	return n
}

type fakeSource struct {
	settings request.Settings
	caps     hal.Capabilities
}

func (f *fakeSource) Settings(hal.SlotID) request.Settings { return f.settings }
func (f *fakeSource) Flags(hal.SlotID) request.Flags { return request.Flags{} }
func (f *fakeSource) Capabilities(hal.SlotID) hal.Capabilities { return f.caps }

type recorder struct {
	states []State
	stills []*hal.Request
	bursts []int
}

func (r *recorder) StateChanged(_ hal.SlotID, _, to State) { r.states = append(r.states, to) }
func (r *recorder) StillSubmitted(_ hal.SlotID, req *hal.Request) {
	r.stills = append(r.stills, req)
}
func (r *recorder) BurstFinished(_ hal.SlotID, shots int) { r.bursts = append(r.bursts, shots) }

type fakeGate struct {
	active bool
	allow  int
	asked  int
}

func (g *fakeGate) LongShotActive() bool { return g.active }

func (g *fakeGate) AllowNextShot() bool {
	g.asked++
	if g.asked > g.allow {
		g.active = false
		return false
	}
	return true
}

type fakeTimers struct {
	fns    []func()
	posted []Timeout
}

func (c *fakeTimers) After(_ time.Duration, f func()) func() bool {
	c.fns = append(c.fns, f)
	i := len(c.fns) - 1
	return func() bool {
		live := c.fns[i] != nil
		c.fns[i] = nil
		return live
	}
}

func (c *fakeTimers) fireAll() {
	for i, f := range c.fns {
		if f != nil {
			c.fns[i] = nil
			f()
		}
	}
}

type fixture struct {
	m      *Machine
	sub    *fakeSubmitter
	src    *fakeSource
	rec    *recorder
	gate   *fakeGate
	timers *fakeTimers
}

var afCaps = hal.Capabilities{
	SupportsAFRegions: true,
	SupportsAERegions: true,
	SupportsFlash:     true,
	HasAutoFocus:      true,
	ActiveArray:       hal.Rect{Right: 4000, Bottom: 3000},
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	f := &fixture{
		sub: &fakeSubmitter{},
		src: &fakeSource{
			settings: request.Settings{FocusMode: request.FocusAuto, Flash: request.FlashOff, Saturation: -1},
			caps:     afCaps,
		},
		rec:    &recorder{},
		gate:   &fakeGate{},
		timers: &fakeTimers{},
	}
	opts := Options{
		Slot:              hal.SlotPrimary,
		Submitter:         f.sub,
		Source:            f.src,
		Listener:          f.rec,
		Gate:              f.gate,
		TouchFocusTimeout: 3 * time.Second,
		After:             f.timers.After,
		Post:              func(t Timeout) { f.timers.posted = append(f.timers.posted, t) },
		Logger:            zaptest.NewLogger(t).Sugar(),
	}
	if mod != nil {
		mod(&opts)
	}
	f.m = New(opts)
	return f
}

func (f *fixture) request(t *testing.T, class hal.RequestClass) *hal.Request {
	t.Helper()
	s, ok := f.sub.last(class)
	if !ok {
		t.Fatalf("no %s request submitted", class)
	}
	return s.req
}

func completed(token hal.Token, af hal.AFState, ae hal.AEState) hal.Result {
	return hal.Result{Kind: hal.ResultCompleted, Token: token, AF: af, AE: ae}
}

func assertState(t *testing.T, m *Machine, want State) {
	t.Helper()
	if got := m.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestSingleCameraShutter(t *testing.T) {
	f := newFixture(t, nil)
	f.src.settings.AFRegions = []hal.MeteringRect{{Rect: hal.Rect{Left: 10, Top: 10, Right: 50, Bottom: 50}, Weight: 1000}}

	if !f.m.StartPreview() {
		t.Fatal("StartPreview failed")
	}
	preview := f.request(t, hal.ClassPreview)

	if !f.m.LockFocus() {
		t.Fatal("LockFocus refused")
	}
	assertState(t, f.m, StateWaitingAFLock)
	lock := f.request(t, hal.ClassLockFocus)
	if f.m.Token() != lock.Token {
		t.Fatalf("token = %d, want %d", f.m.Token(), lock.Token)
	}
	if lock.Controls.AFRegions[0].Weight != 1000 {
		t.Errorf("lock request lost the auto-focus regions: %v", lock.Controls.AFRegions)
	}

	// the trigger completes while AF is still scanning
	f.m.HandleResult(completed(lock.Token, hal.AFStateActiveScan, hal.AEStateSearching))
	assertState(t, f.m, StateWaitingAFLock)
	if f.m.Token() != 0 {
		t.Fatalf("token %d should be abandoned", f.m.Token())
	}

	f.m.HandleResult(completed(preview.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	assertState(t, f.m, StateWaitingAELock)
	s, _ := f.sub.last(hal.ClassLockExposure)
	if s.op != "repeating" || !s.req.Controls.AELock {
		t.Fatalf("exposure lock = %s %+v, want a repeating AE-locked request", s.op, s.req.Controls)
	}

	f.m.HandleResult(completed(s.req.Token, hal.AFStateFocusedLocked, hal.AEStateLocked))
	assertState(t, f.m, StatePictureTaken)
	if n := f.sub.count(hal.ClassStillCapture); n != 1 {
		t.Fatalf("%d still captures, want 1", n)
	}
	still := f.request(t, hal.ClassStillCapture)
	f.m.HandleResult(completed(still.Token, hal.AFStateFocusedLocked, hal.AEStateLocked))

	if !f.m.UnlockFocus() {
		t.Fatal("UnlockFocus failed")
	}
	assertState(t, f.m, StatePreview)
	unlock := f.request(t, hal.ClassUnlock)
	if unlock.Controls.AFTrigger != hal.AFTriggerCancel || unlock.Controls.AFMode != hal.AFModeContinuousPicture {
		t.Errorf("unlock controls = %+v", unlock.Controls)
	}
	if p := f.request(t, hal.ClassPreview); p.Controls.AELock {
		t.Error("preview after unlock still holds the AE lock")
	}

	want := []State{StateWaitingAFLock, StateWaitingAELock, StateLocked, StatePictureTaken, StatePreview}
	if !reflect.DeepEqual(f.rec.states, want) {
		t.Errorf("states = %v, want %v", f.rec.states, want)
	}
	if len(f.rec.stills) != 1 {
		t.Errorf("listener saw %d stills, want 1", len(f.rec.stills))
	}
}

func TestPrecaptureWhenExposureNotConverged(t *testing.T) {
	f := newFixture(t, nil)
	f.m.StartPreview()
	f.m.LockFocus()
	lock := f.request(t, hal.ClassLockFocus)

	f.m.HandleResult(completed(lock.Token, hal.AFStateFocusedLocked, hal.AEStateSearching))
	assertState(t, f.m, StateWaitingPrecapture)
	pre := f.request(t, hal.ClassPrecapture)
	if pre.Controls.Precapture != hal.PrecaptureStart {
		t.Fatalf("precapture trigger = %d", pre.Controls.Precapture)
	}

	f.m.HandleResult(completed(pre.Token, hal.AFStateFocusedLocked, hal.AEStatePrecapture))
	assertState(t, f.m, StateWaitingAELock)
}

func TestFlashGoesThroughPrecapture(t *testing.T) {
	f := newFixture(t, nil)
	f.src.settings.Flash = request.FlashAuto
	f.m.StartPreview()
	f.m.LockFocus()
	lock := f.request(t, hal.ClassLockFocus)

	f.m.HandleResult(completed(lock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	assertState(t, f.m, StateWaitingPrecapture)
}

func TestMismatchedTokenNeverAdvances(t *testing.T) {
	f := newFixture(t, nil)
	f.m.StartPreview()
	f.m.LockFocus()
	lock := f.request(t, hal.ClassLockFocus)

	stale := []hal.Result{
		completed(lock.Token+100, hal.AFStateFocusedLocked, hal.AEStateConverged),
		completed(lock.Token-1, hal.AFStateNotFocusedLocked, hal.AEStateLocked),
		{Kind: hal.ResultPartial, Token: lock.Token + 7, AF: hal.AFStatePassiveFocused},
		completed(0, hal.AFStateFocusedLocked, hal.AEStateUnknown),
	}
	for _, r := range stale {
		f.m.HandleResult(r)
		assertState(t, f.m, StateWaitingAFLock)
		if f.m.Token() != lock.Token {
			t.Fatalf("token changed to %d by a foreign result", f.m.Token())
		}
	}

	// the same holds while waiting for precapture
	f.m.HandleResult(completed(lock.Token, hal.AFStateFocusedLocked, hal.AEStateSearching))
	assertState(t, f.m, StateWaitingPrecapture)
	pre := f.request(t, hal.ClassPrecapture)
	for _, r := range stale {
		f.m.HandleResult(r)
		assertState(t, f.m, StateWaitingPrecapture)
	}
	if f.m.Token() != pre.Token {
		t.Fatalf("token = %d, want %d", f.m.Token(), pre.Token)
	}
}

func TestLongShotWithFlashSkipsExposureConvergence(t *testing.T) {
	f := newFixture(t, nil)
	f.src.settings.Flash = request.FlashOn
	f.gate.active = true
	f.gate.allow = 10

	f.m.StartPreview()
	f.m.LockFocus()
	lock := f.request(t, hal.ClassLockFocus)
	f.m.HandleResult(completed(lock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	assertState(t, f.m, StateWaitingPrecapture)
	pre := f.request(t, hal.ClassPrecapture)

	// AE is still searching but the burst must not wait for it
	f.m.HandleResult(hal.Result{Kind: hal.ResultPartial, Token: pre.Token, AE: hal.AEStateSearching})
	assertState(t, f.m, StatePictureTaken)

	s, ok := f.sub.last(hal.ClassLockExposure)
	if !ok || s.op != "repeating" || !s.req.Controls.AELock {
		t.Fatalf("exposure lock not applied to the preview: %+v", s)
	}
	still := f.request(t, hal.ClassStillCapture)
	if still.Controls.Vendor[hal.VendorBurstIndex] != 0 {
		t.Errorf("first burst index = %d", still.Controls.Vendor[hal.VendorBurstIndex])
	}
	for _, st := range f.rec.states {
		if st == StateWaitingAELock {
			t.Fatal("long shot with flash waited for the AE lock")
		}
	}
}

func TestUnlockInPreviewIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.m.StartPreview()
	before := len(f.sub.calls)

	for i := 0; i < 3; i++ {
		if !f.m.UnlockFocus() {
			t.Fatal("UnlockFocus failed in preview")
		}
	}
	if len(f.sub.calls) != before {
		t.Errorf("unlock in preview submitted %d requests", len(f.sub.calls)-before)
	}
	if len(f.rec.states) != 0 {
		t.Errorf("unexpected transitions %v", f.rec.states)
	}
}

func TestFailedSubmissionKeepsState(t *testing.T) {
	f := newFixture(t, nil)
	f.m.StartPreview()
	f.m.LockFocus()
	lock := f.request(t, hal.ClassLockFocus)

	f.sub.fail = true
	f.m.HandleResult(completed(lock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	assertState(t, f.m, StateWaitingAFLock)
	if f.m.Token() != lock.Token {
		t.Fatalf("token = %d, want %d", f.m.Token(), lock.Token)
	}

	f.sub.fail = false
	f.m.HandleResult(hal.Result{Kind: hal.ResultPartial, Token: lock.Token, AF: hal.AFStateFocusedLocked, AE: hal.AEStateConverged})
	assertState(t, f.m, StateWaitingAELock)
}

func TestLockFocusFailureStaysInPreview(t *testing.T) {
	f := newFixture(t, nil)
	f.sub.fail = true
	if f.m.LockFocus() {
		t.Fatal("LockFocus reported success with a dead session")
	}
	assertState(t, f.m, StatePreview)
}

func TestTouchFocusTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.src.settings.FocusMode = request.FocusContinuous
	f.m.StartPreview()

	region := []hal.MeteringRect{{Rect: hal.Rect{Left: 100, Top: 100, Right: 300, Bottom: 300}, Weight: 1000}}
	if !f.m.TouchFocus(region, region) {
		t.Fatal("TouchFocus refused")
	}
	assertState(t, f.m, StateWaitingTouchFocus)

	trigger := f.request(t, hal.ClassTouchFocus)
	if trigger.Controls.AFMode != hal.AFModeAuto || !reflect.DeepEqual(trigger.Controls.AFRegions, region) {
		t.Errorf("touch trigger controls = %+v", trigger.Controls)
	}

	f.timers.fireAll()
	if len(f.timers.posted) != 1 || f.timers.posted[0].Kind != TimeoutTouchFocus {
		t.Fatalf("posted = %v", f.timers.posted)
	}
	f.m.HandleTimeout(f.timers.posted[0])
	assertState(t, f.m, StatePreview)

	p := f.request(t, hal.ClassPreview)
	if p.Controls.AFMode != hal.AFModeContinuousPicture || p.Controls.AFRegions[0].Weight != 0 {
		t.Errorf("preview after timeout = %+v", p.Controls)
	}
}

func TestShutterDuringTouchFocus(t *testing.T) {
	f := newFixture(t, nil)
	f.m.StartPreview()
	region := []hal.MeteringRect{{Rect: hal.Rect{Right: 10, Bottom: 10}, Weight: 1}}
	f.m.TouchFocus(region, region)
	timeout := Timeout{Slot: hal.SlotPrimary, Kind: TimeoutTouchFocus, Gen: f.m.touchGen}

	if !f.m.LockFocus() {
		t.Fatal("LockFocus refused during touch focus")
	}
	assertState(t, f.m, StateWaitingAFLock)

	// a timer that fired just before the shutter press is stale
	f.m.HandleTimeout(timeout)
	assertState(t, f.m, StateWaitingAFLock)
}

func TestFixedFocusSkipsAutoFocus(t *testing.T) {
	f := newFixture(t, nil)
	f.src.caps.HasAutoFocus = false
	f.m.StartPreview()

	if !f.m.LockFocus() {
		t.Fatal("LockFocus refused")
	}
	assertState(t, f.m, StateWaitingAELock)
	if f.sub.count(hal.ClassLockFocus) != 0 {
		t.Error("fixed focus camera got an AF trigger")
	}
	if f.m.TouchFocus(nil, nil) {
		t.Error("touch focus accepted without auto focus")
	}
}

func TestLongShotStopsWhenGateRefuses(t *testing.T) {
	f := newFixture(t, nil)
	f.src.caps.HasAutoFocus = false
	f.gate.active = true
	f.gate.allow = 2

	f.m.StartPreview()
	f.m.LockFocus()
	ae := f.request(t, hal.ClassLockExposure)
	f.m.HandleResult(completed(ae.Token, hal.AFStateInactive, hal.AEStateLocked))
	assertState(t, f.m, StatePictureTaken)

	first := f.request(t, hal.ClassStillCapture)
	f.m.HandleResult(completed(first.Token, hal.AFStateInactive, hal.AEStateLocked))
	second := f.request(t, hal.ClassStillCapture)
	if second == first {
		t.Fatal("no second burst shot")
	}
	if second.Controls.Vendor[hal.VendorBurstIndex] != 1 {
		t.Errorf("burst index = %d, want 1", second.Controls.Vendor[hal.VendorBurstIndex])
	}

	f.m.HandleResult(completed(second.Token, hal.AFStateInactive, hal.AEStateLocked))
	if n := f.sub.count(hal.ClassStillCapture); n != 2 {
		t.Fatalf("%d burst shots submitted, want 2", n)
	}
	if !reflect.DeepEqual(f.rec.bursts, []int{2}) {
		t.Errorf("bursts = %v, want [2]", f.rec.bursts)
	}
	if f.m.Bursting() || f.gate.active {
		t.Error("burst still active after the gate refused")
	}
}

func TestConvergenceWatchdog(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConvergenceTimeout = time.Second })
	f.m.StartPreview()
	f.m.LockFocus()

	f.timers.fireAll()
	if len(f.timers.posted) != 1 || f.timers.posted[0].Kind != TimeoutConvergence {
		t.Fatalf("posted = %v", f.timers.posted)
	}
	f.m.HandleTimeout(f.timers.posted[0])
	assertState(t, f.m, StatePictureTaken)
	if f.sub.count(hal.ClassStillCapture) != 1 {
		t.Error("watchdog did not capture")
	}
}

func TestResetReturnsToPreview(t *testing.T) {
	f := newFixture(t, nil)
	f.m.LockFocus()
	f.m.Reset()
	assertState(t, f.m, StatePreview)
	if f.m.Token() != 0 {
		t.Errorf("token = %d after reset", f.m.Token())
	}
	if !f.m.LockFocus() {
		t.Error("LockFocus refused after reset")
	}
}
