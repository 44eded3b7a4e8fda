package capture

import (
	"sync/atomic"

	"dual-shutter/pkg/hal"
)

// State is the convergence stage of one slot.
type State string

const (
	StatePreview           State = "preview"
	StateWaitingTouchFocus State = "waiting_touch_focus"
	StateWaitingAFLock     State = "waiting_af_lock"
	StateWaitingPrecapture State = "waiting_precapture"
	StateWaitingAELock     State = "waiting_ae_lock"
	StateLocked            State = "af_ae_locked"
	StatePictureTaken      State = "picture_taken"
)

// Waiting reports whether s waits on a 3A result.
func (s State) Waiting() bool {
	return s == StateWaitingAFLock || s == StateWaitingPrecapture || s == StateWaitingAELock
}

const (
	evTouchFocus   = "touch_focus"
	evTouchTimeout = "touch_timeout"
	evLockFocus    = "lock_focus"
	evPrecapture   = "run_precapture"
	evLockExposure = "lock_exposure"
	evLocked       = "locked"
	evPictureTaken = "picture_taken"
	evUnlock       = "unlock"
)

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// Tokens hands out correlation tokens. One allocator is shared by all slots so
// a token never repeats within a process.
type Tokens struct {
	n atomic.Uint64
}

func (t *Tokens) Next() hal.Token {
	return hal.Token(t.n.Add(1))
}

// TimeoutKind tells which machine timer fired.
type TimeoutKind int

const (
	TimeoutTouchFocus TimeoutKind = iota
	TimeoutConvergence
)

func (k TimeoutKind) String() string {
	if k == TimeoutTouchFocus {
		return "touch-focus"
	}
	return "convergence"
}

// Timeout is posted back to the goroutine owning the machine when one of its
// timers fires. Gen identifies the arming; stale generations are ignored.
type Timeout struct {
	Slot hal.SlotID
	Kind TimeoutKind
	Gen  uint64
}

func afConverged(s hal.AFState) bool {
	switch s {
	case hal.AFStateFocusedLocked, hal.AFStateNotFocusedLocked,
		hal.AFStatePassiveFocused, hal.AFStatePassiveUnfocused:
		return true
	}
	return false
}

func precaptureDone(s hal.AEState) bool {
	switch s {
	case hal.AEStateUnknown, hal.AEStatePrecapture, hal.AEStateFlashRequired, hal.AEStateConverged:
		return true
	}
	return false
}
