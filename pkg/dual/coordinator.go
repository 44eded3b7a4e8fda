// Package dual fans shutter commands out over the capture machines of the
// active slots and holds the bayer/mono rendezvous in dual mode.
package dual

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"dual-shutter/pkg/capture"
	"dual-shutter/pkg/hal"
)

type Coordinator struct {
	mu       sync.Mutex
	dual     bool
	linked   bool
	machines map[hal.SlotID]*capture.Machine
	order    []hal.SlotID

	// monoPreview reports whether the user wants the mono sensor to stream.
	monoPreview func() bool
	logger      *zap.SugaredLogger
}

func New(dual bool, monoPreview func() bool, logger *zap.SugaredLogger) *Coordinator {
	if monoPreview == nil {
		monoPreview = func() bool { return true }
	}
	return &Coordinator{
		dual:        dual,
		machines:    make(map[hal.SlotID]*capture.Machine),
		monoPreview: monoPreview,
		logger:      logger,
	}
}

func (c *Coordinator) Dual() bool { return c.dual }

// Rendezvous is what machines of this coordinator are built with; nil in
// single-camera mode.
func (c *Coordinator) Rendezvous() capture.Rendezvous {
	if !c.dual {
		return nil
	}
	return c
}

// PreviewRepeats tells whether slot may use a repeating preview. Only the
// mono sensor of a dual pair can be restricted to single captures.
func (c *Coordinator) PreviewRepeats(slot hal.SlotID) bool {
	if !c.dual || slot != hal.SlotSecondary {
		return true
	}
	return c.monoPreview()
}

// PreviewRepeatsFunc binds PreviewRepeats to slot for capture.Options.
func (c *Coordinator) PreviewRepeatsFunc(slot hal.SlotID) func() bool {
	return func() bool { return c.PreviewRepeats(slot) }
}

func (c *Coordinator) Attach(m *capture.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.machines[m.Slot()]; !ok {
		c.order = append(c.order, m.Slot())
		sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	}
	c.machines[m.Slot()] = m
}

// Detach forgets every machine, e.g. before a camera switch.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machines = make(map[hal.SlotID]*capture.Machine)
	c.order = nil
	c.linked = false
}

func (c *Coordinator) Machine(slot hal.SlotID) (*capture.Machine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.machines[slot]
	return m, ok
}

// snapshot returns the machines in slot order.
func (c *Coordinator) snapshot() []*capture.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*capture.Machine, 0, len(c.order))
	for _, s := range c.order {
		out = append(out, c.machines[s])
	}
	return out
}

// States reports the state of every attached slot.
func (c *Coordinator) States() map[hal.SlotID]capture.State {
	out := make(map[hal.SlotID]capture.State)
	for _, m := range c.snapshot() {
		out[m.Slot()] = m.State()
	}
	return out
}

// Idle reports whether every slot is back in PREVIEW.
func (c *Coordinator) Idle() bool {
	for _, m := range c.snapshot() {
		if m.State() != capture.StatePreview {
			return false
		}
	}
	return true
}

func (c *Coordinator) StartPreview(slot hal.SlotID) bool {
	m, ok := c.Machine(slot)
	if !ok {
		return false
	}
	return m.StartPreview()
}

// LockFocus starts the still sequence on every slot. It reports false if any
// slot refused.
func (c *Coordinator) LockFocus() bool {
	ok := true
	for _, m := range c.snapshot() {
		if !m.LockFocus() {
			ok = false
		}
	}
	return ok
}

func (c *Coordinator) UnlockFocus() bool {
	ok := true
	for _, m := range c.snapshot() {
		if !m.UnlockFocus() {
			ok = false
		}
	}
	return ok
}

func (c *Coordinator) TouchFocus(af, ae []hal.MeteringRect) bool {
	ok := false
	for _, m := range c.snapshot() {
		if m.TouchFocus(af, ae) {
			ok = true
		}
	}
	return ok
}

// UpdatePreview re-applies settings to every running preview.
func (c *Coordinator) UpdatePreview() {
	for _, m := range c.snapshot() {
		m.UpdatePreview()
	}
}

func (c *Coordinator) Reset() {
	for _, m := range c.snapshot() {
		m.Reset()
	}
}

func (c *Coordinator) HandleResult(r hal.Result) {
	m, ok := c.Machine(r.Slot)
	if !ok {
		c.logger.Debugf("dual: result for detached slot %s dropped", r.Slot)
		return
	}
	m.HandleResult(r)
}

func (c *Coordinator) HandleTimeout(t capture.Timeout) {
	if m, ok := c.Machine(t.Slot); ok {
		m.HandleTimeout(t)
	}
}

func (c *Coordinator) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

// LinkSensors pairs the bayer and mono streams once both sessions are
// configured. The link is carried by every following request.
func (c *Coordinator) LinkSensors() {
	if !c.dual {
		return
	}
	c.mu.Lock()
	_, bayer := c.machines[hal.SlotPrimary]
	_, mono := c.machines[hal.SlotSecondary]
	if !bayer || !mono || c.linked {
		c.mu.Unlock()
		return
	}
	c.linked = true
	c.mu.Unlock()

	c.logger.Info("dual: sensors linked")
	c.UpdatePreview()
}

// UnlinkSensors drops the pairing before teardown.
func (c *Coordinator) UnlinkSensors() {
	c.mu.Lock()
	was := c.linked
	c.linked = false
	c.mu.Unlock()
	if was {
		c.logger.Info("dual: sensors unlinked")
		c.UpdatePreview()
	}
}

// Locked is the both-locked rendezvous. The still captures of both slots are
// issued in the same call once neither is still converging, and every slot
// moves to PICTURE_TAKEN even when one of the submissions is dropped. The
// mutex is not held while machines run: building a request reads Linked.
func (c *Coordinator) Locked(slot hal.SlotID) {
	c.mu.Lock()
	linked := c.linked
	mono, hasMono := c.machines[hal.SlotSecondary]
	c.mu.Unlock()

	if slot == hal.SlotPrimary && linked && hasMono && mono.State() == capture.StateWaitingAELock {
		// mono exposure follows the bayer lock
		mono.EnterLocked()
	}
	machines := c.snapshot()
	for _, m := range machines {
		if m.State() != capture.StateLocked {
			c.logger.Debugf("dual: %s locked, waiting for %s", slot, m.Slot())
			return
		}
	}
	c.logger.Infof("dual: all %d sensors locked, capturing", len(machines))
	for _, m := range machines {
		if !m.SubmitStill() {
			c.logger.Warnf("dual: %s still dropped, pair continues", m.Slot())
		}
	}
	for _, m := range machines {
		m.MarkPictureTaken()
	}
}

// PeerExposureLocked reports whether the bayer sensor already holds the AE
// lock the linked mono sensor follows.
func (c *Coordinator) PeerExposureLocked(slot hal.SlotID) bool {
	if slot != hal.SlotSecondary {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bayer, ok := c.machines[hal.SlotPrimary]
	if !ok || !c.linked {
		return false
	}
	st := bayer.State()
	return st == capture.StateLocked || st == capture.StatePictureTaken
}
