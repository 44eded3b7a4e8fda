package dual

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"dual-shutter/pkg/capture"
	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/request"
)

type submission struct {
	slot hal.SlotID
	op   string
	req  *hal.Request
}

type recordingSession struct {
	calls []submission
	// dropStill refuses still submissions for the slot
	dropStill map[hal.SlotID]bool
}

func (r *recordingSession) Capture(slot hal.SlotID, req *hal.Request) bool {
	if req.Class == hal.ClassStillCapture && r.dropStill[slot] {
		return false
	}
	r.calls = append(r.calls, submission{slot, "capture", req})
	return true
}

func (r *recordingSession) SetRepeating(slot hal.SlotID, req *hal.Request) bool {
	r.calls = append(r.calls, submission{slot, "repeating", req})
	return true
}

func (r *recordingSession) StopRepeating(slot hal.SlotID) bool {
	r.calls = append(r.calls, submission{slot: slot, op: "stop"})
	return true
}

func (r *recordingSession) last(slot hal.SlotID, class hal.RequestClass) *hal.Request {
	for i := len(r.calls) - 1; i >= 0; i-- {
		c := r.calls[i]
		if c.slot == slot && c.req != nil && c.req.Class == class {
			return c.req
		}
	}
	return nil
}

func (r *recordingSession) stops(slot hal.SlotID) int {
	n := 0
	for _, c := range r.calls {
		if c.slot == slot && c.op == "stop" {
			n++
		}
	}
	return n
}

func (r *recordingSession) count(slot hal.SlotID, op string, class hal.RequestClass) int {
	n := 0
	for _, c := range r.calls {
		if c.slot == slot && c.op == op && c.req != nil && c.req.Class == class {
			n++
		}
	}
	return n
}

type source struct {
	coord *Coordinator
}

func (s *source) Settings(hal.SlotID) request.Settings {
	return request.Settings{FocusMode: request.FocusContinuous, Flash: request.FlashOff, Saturation: -1}
}

func (s *source) Flags(hal.SlotID) request.Flags {
	return request.Flags{Dual: true, Linked: s.coord.Linked()}
}

func (s *source) Capabilities(hal.SlotID) hal.Capabilities {
	return hal.Capabilities{HasAutoFocus: true, ActiveArray: hal.Rect{Right: 4000, Bottom: 3000}}
}

type stills struct {
	n map[hal.SlotID]int
}

func (s *stills) StateChanged(hal.SlotID, capture.State, capture.State) {}
func (s *stills) StillSubmitted(slot hal.SlotID, _ *hal.Request) { s.n[slot]++ }
func (s *stills) BurstFinished(hal.SlotID, int) {}

func newPair(t *testing.T, monoPreview bool, logger *zap.SugaredLogger) (*Coordinator, *recordingSession, *stills) {
	t.Helper()
	sess := &recordingSession{}
	lis := &stills{n: make(map[hal.SlotID]int)}
	c := New(true, func() bool { return monoPreview }, logger)
	src := &source{coord: c}
	tokens := &capture.Tokens{}
	for _, slot := range []hal.SlotID{hal.SlotPrimary, hal.SlotSecondary} {
		c.Attach(capture.New(capture.Options{
			Slot:           slot,
			Submitter:      sess,
			Source:         src,
			Tokens:         tokens,
			Listener:       lis,
			Rendezvous:     c.Rendezvous(),
			Mono:           slot == hal.SlotSecondary,
			PreviewRepeats: c.PreviewRepeatsFunc(slot),
			Logger:         logger,
		}))
	}
	return c, sess, lis
}

func result(slot hal.SlotID, token hal.Token, af hal.AFState, ae hal.AEState) hal.Result {
	return hal.Result{Slot: slot, Kind: hal.ResultCompleted, Token: token, AF: af, AE: ae}
}

func TestMonoPreviewDisabledStillJoinsRendezvous(t *testing.T) {
	c, sess, lis := newPair(t, false, zaptest.NewLogger(t).Sugar())

	c.StartPreview(hal.SlotPrimary)
	c.StartPreview(hal.SlotSecondary)
	c.LinkSensors()

	if !c.LockFocus() {
		t.Fatal("LockFocus refused")
	}
	bayerLock := sess.last(hal.SlotPrimary, hal.ClassLockFocus)
	monoLock := sess.last(hal.SlotSecondary, hal.ClassLockFocus)

	// bayer converges first and waits for the mono sensor
	c.HandleResult(result(hal.SlotPrimary, bayerLock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	ae := sess.last(hal.SlotPrimary, hal.ClassLockExposure)
	c.HandleResult(result(hal.SlotPrimary, ae.Token, hal.AFStateFocusedLocked, hal.AEStateLocked))

	states := c.States()
	if states[hal.SlotPrimary] != capture.StateLocked {
		t.Fatalf("bayer state = %s, want %s", states[hal.SlotPrimary], capture.StateLocked)
	}
	if lis.n[hal.SlotPrimary] != 0 || lis.n[hal.SlotSecondary] != 0 {
		t.Fatalf("still issued before both sensors locked: %v", lis.n)
	}

	c.HandleResult(result(hal.SlotSecondary, monoLock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))

	states = c.States()
	for _, slot := range []hal.SlotID{hal.SlotPrimary, hal.SlotSecondary} {
		if states[slot] != capture.StatePictureTaken {
			t.Errorf("%s state = %s, want %s", slot, states[slot], capture.StatePictureTaken)
		}
		if lis.n[slot] != 1 {
			t.Errorf("%s stills = %d, want 1", slot, lis.n[slot])
		}
	}

	c.UpdatePreview()
	if !c.UnlockFocus() {
		t.Fatal("UnlockFocus failed")
	}
	if !c.Idle() {
		t.Errorf("states after unlock = %v", c.States())
	}

	for _, call := range sess.calls {
		if call.slot == hal.SlotSecondary && call.op == "repeating" {
			t.Fatalf("mono sensor used a repeating %s request with preview disabled", call.req.Class)
		}
	}
	if sess.count(hal.SlotSecondary, "capture", hal.ClassPreview) < 3 {
		t.Errorf("mono previews were not issued as single captures: %v", sess.calls)
	}
	if sess.count(hal.SlotPrimary, "repeating", hal.ClassPreview) == 0 {
		t.Error("bayer preview should repeat")
	}
	if n := sess.stops(hal.SlotSecondary); n != 1 {
		t.Errorf("mono stopRepeating called %d times with preview disabled, want 1", n)
	}
}

func TestMonoArrivesFirst(t *testing.T) {
	c, sess, lis := newPair(t, true, zaptest.NewLogger(t).Sugar())
	c.StartPreview(hal.SlotPrimary)
	c.StartPreview(hal.SlotSecondary)
	c.LinkSensors()
	c.LockFocus()

	monoLock := sess.last(hal.SlotSecondary, hal.ClassLockFocus)
	c.HandleResult(result(hal.SlotSecondary, monoLock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	if st := c.States()[hal.SlotSecondary]; st != capture.StateWaitingAELock {
		t.Fatalf("mono state = %s, want %s", st, capture.StateWaitingAELock)
	}

	bayerLock := sess.last(hal.SlotPrimary, hal.ClassLockFocus)
	c.HandleResult(result(hal.SlotPrimary, bayerLock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	ae := sess.last(hal.SlotPrimary, hal.ClassLockExposure)
	c.HandleResult(result(hal.SlotPrimary, ae.Token, hal.AFStateFocusedLocked, hal.AEStateLocked))

	if lis.n[hal.SlotPrimary] != 1 || lis.n[hal.SlotSecondary] != 1 {
		t.Fatalf("stills = %v, want one per sensor", lis.n)
	}
	if n := sess.stops(hal.SlotSecondary); n != 0 {
		t.Errorf("mono repeating stopped %d times with preview enabled, want 0", n)
	}
	if st := c.States()[hal.SlotSecondary]; st != capture.StatePictureTaken {
		t.Errorf("mono state = %s, want %s", st, capture.StatePictureTaken)
	}
}

func TestDroppedStillKeepsPairTogether(t *testing.T) {
	c, sess, lis := newPair(t, true, zaptest.NewLogger(t).Sugar())
	sess.dropStill = map[hal.SlotID]bool{hal.SlotPrimary: true}
	c.StartPreview(hal.SlotPrimary)
	c.StartPreview(hal.SlotSecondary)
	c.LinkSensors()
	c.LockFocus()

	monoLock := sess.last(hal.SlotSecondary, hal.ClassLockFocus)
	c.HandleResult(result(hal.SlotSecondary, monoLock.Token, hal.AFStateFocusedLocked, hal.AEStateLocked))
	bayerLock := sess.last(hal.SlotPrimary, hal.ClassLockFocus)
	c.HandleResult(result(hal.SlotPrimary, bayerLock.Token, hal.AFStateFocusedLocked, hal.AEStateConverged))
	ae := sess.last(hal.SlotPrimary, hal.ClassLockExposure)
	c.HandleResult(result(hal.SlotPrimary, ae.Token, hal.AFStateFocusedLocked, hal.AEStateLocked))

	states := c.States()
	for _, slot := range []hal.SlotID{hal.SlotPrimary, hal.SlotSecondary} {
		if states[slot] != capture.StatePictureTaken {
			t.Errorf("%s state = %s, want %s", slot, states[slot], capture.StatePictureTaken)
		}
	}
	if lis.n[hal.SlotPrimary] != 0 {
		t.Errorf("bayer stills = %d, want 0", lis.n[hal.SlotPrimary])
	}
	if lis.n[hal.SlotSecondary] != 1 || sess.last(hal.SlotSecondary, hal.ClassStillCapture) == nil {
		t.Errorf("mono still not submitted: %v", lis.n)
	}

	if !c.UnlockFocus() || !c.Idle() {
		t.Errorf("states after unlock = %v", c.States())
	}
}

func TestMonoUnknownExposureCountsAsLocked(t *testing.T) {
	c, sess, _ := newPair(t, true, zaptest.NewLogger(t).Sugar())
	c.StartPreview(hal.SlotPrimary)
	c.StartPreview(hal.SlotSecondary)
	c.LinkSensors()
	c.LockFocus()

	monoLock := sess.last(hal.SlotSecondary, hal.ClassLockFocus)
	c.HandleResult(result(hal.SlotSecondary, monoLock.Token, hal.AFStateFocusedLocked, hal.AEStateUnknown))
	if st := c.States()[hal.SlotSecondary]; st != capture.StateLocked {
		t.Fatalf("mono state = %s, want %s", st, capture.StateLocked)
	}
}

func TestLinkCarriedByRequests(t *testing.T) {
	c, sess, _ := newPair(t, true, zaptest.NewLogger(t).Sugar())
	c.StartPreview(hal.SlotPrimary)
	if v := sess.last(hal.SlotPrimary, hal.ClassPreview).Controls.Vendor[hal.VendorSensorLink]; v != 0 {
		t.Fatalf("link set before LinkSensors")
	}

	c.LinkSensors()
	if v := sess.last(hal.SlotPrimary, hal.ClassPreview).Controls.Vendor[hal.VendorSensorLink]; v != 1 {
		t.Errorf("preview after LinkSensors has link %d", v)
	}
	c.UnlinkSensors()
	if v := sess.last(hal.SlotSecondary, hal.ClassPreview).Controls.Vendor[hal.VendorSensorLink]; v != 0 {
		t.Errorf("preview after UnlinkSensors has link %d", v)
	}
}

func TestSingleModeHasNoRendezvous(t *testing.T) {
	c := New(false, nil, zaptest.NewLogger(t).Sugar())
	if c.Rendezvous() != nil {
		t.Error("single mode returned a rendezvous")
	}
	if !c.PreviewRepeats(hal.SlotSecondary) {
		t.Error("single mode restricted the preview")
	}
}
