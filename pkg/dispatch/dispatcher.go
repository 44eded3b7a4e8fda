// Package dispatch matches the images coming off the hardware with the
// still requests that produced them and routes them to the save service.
//
// Every submitted still pushes an Entity on the FIFO of its pending capture;
// every image pops the oldest entity of its slot. The long-shot gate lives
// here too, since only the dispatcher knows how many burst frames are still
// waiting to be written.
package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rwcarlsen/goexif/exif"
	"go.uber.org/zap"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/storage"
	"dual-shutter/pkg/utils"
	"dual-shutter/pkg/utils/ps"
	"dual-shutter/pkg/video"
)

var ErrLongShotRunning = errors.New("long shot already running")

type Kind int

const (
	KindCommon Kind = iota
	KindLongShot
	KindClearSight
)

func (k Kind) String() string {
	switch k {
	case KindCommon:
		return "common"
	case KindLongShot:
		return "longshot"
	case KindClearSight:
		return "clearsight"
	}
	return "unknown"
}

// Entity is what is known about a still before its image arrives.
type Entity struct {
	Title       string
	Timestamp   time.Time
	Orientation int
	Location    *hal.Location
	Token       hal.Token
}

type queueKey struct {
	slot hal.SlotID
	raw  bool
}

type pair struct {
	bayer, mono *storage.Image
}

// Pending is one shutter press: a single still, a clear-sight pair or a
// whole burst. Its fields are guarded by the dispatcher.
type Pending struct {
	id    uint64
	kind  Kind
	slots []hal.SlotID
	base  string

	expected int
	received int

	queues map[queueKey][]Entity
	counts map[queueKey]int
	taken  map[hal.SlotID]bool

	// clear-sight halves by delivery index
	halves    map[int]*pair
	delivered map[hal.SlotID]int

	sealed    bool
	cancelled bool
	done      bool

	saving  int
	clipped bool
	files   []string
	width   int
	height  int
}

func (p *Pending) ID() uint64 { return p.id }
func (p *Pending) Kind() Kind { return p.kind }

// Summary is the final account of a pending capture.
type Summary struct {
	ID        uint64 `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Expected  int    `json:"expected"`
	Received  int    `json:"received"`
	Cancelled bool   `json:"cancelled"`
}

func (p *Pending) summary() Summary {
	return Summary{
		ID:        p.id,
		Kind:      p.kind.String(),
		Title:     p.base,
		Expected:  p.expected,
		Received:  p.received,
		Cancelled: p.cancelled,
	}
}

// Saver is the media save service.
type Saver interface {
	AddImage(img storage.Image, done storage.Done)
	AddRawImage(img storage.Image, done storage.Done)
	AddMpoImage(bayer, mono storage.Image, done storage.Done)
	ImagePath(name string) string
	VideoPath(name string) string
}

type Monitor interface {
	Sample() (ps.Pressure, error)
}

type Warner interface {
	Warn(msg string)
}

type Options struct {
	Saver   Saver
	Monitor Monitor
	Warner  Warner

	MinFreeMemory  uint64
	MinFreeStorage uint64
	// BufferSize is the memory one unsaved burst frame is assumed to hold.
	BufferSize uint64
	MaxShots   int

	Clip    bool
	ClipFPS int
	// MakeClip writes the burst clip; defaults to video.FromFiles.
	MakeClip func(path string, width, height, fps int, files []string) (int, error)

	Now        func() time.Time
	OnComplete func(Summary)
	OnSaved    func(storage.Item)

	Logger *zap.SugaredLogger
}

type longShot struct {
	active    bool
	cancelled bool
	shots     int
}

type pairJob struct {
	p     *Pending
	bayer storage.Image
	mono  storage.Image
}

type Dispatcher struct {
	opts   Options
	logger *zap.SugaredLogger

	mu       sync.Mutex
	seq      uint64
	lastBase string
	pendings []*Pending
	ls       longShot
	unsaved  int

	pairs     chan pairJob
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the paired-save worker.
func New(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	if opts.MakeClip == nil {
		opts.MakeClip = video.FromFiles
	}
	d := &Dispatcher{
		opts:   opts,
		logger: opts.Logger,
		pairs:  make(chan pairJob, 8),
		quit:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.runPairs()

	return d
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
	})
	d.wg.Wait()
}

func (d *Dispatcher) runPairs() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case j := <-d.pairs:
			d.opts.Saver.AddMpoImage(j.bayer, j.mono, d.saveDone(j.p))
			d.opts.Saver.AddImage(j.bayer, d.saveDone(j.p))
		}
	}
}

// Begin opens a pending capture for a shutter press on slots.
func (d *Dispatcher) Begin(kind Kind, slots ...hal.SlotID) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begin(kind, slots)
}

func (d *Dispatcher) begin(kind Kind, slots []hal.SlotID) *Pending {
	d.seq++
	now := d.opts.Now()
	base := fmt.Sprintf("IMG_%s_%03d", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	if base == d.lastBase {
		base = fmt.Sprintf("%s_%d", base, d.seq)
	}
	d.lastBase = base

	p := &Pending{
		id:        d.seq,
		kind:      kind,
		slots:     append([]hal.SlotID(nil), slots...),
		base:      base,
		queues:    make(map[queueKey][]Entity),
		counts:    make(map[queueKey]int),
		taken:     make(map[hal.SlotID]bool),
		halves:    make(map[int]*pair),
		delivered: make(map[hal.SlotID]int),
	}
	d.pendings = append(d.pendings, p)
	d.logger.Debugf("dispatch: pending %d (%s) on %v", p.id, kind, slots)

	return p
}

// current is the newest pending that still accepts stills.
func (d *Dispatcher) current() *Pending {
	if n := len(d.pendings); n > 0 && !d.pendings[n-1].sealed {
		return d.pendings[n-1]
	}
	return nil
}

func (p *Pending) title(k queueKey) string {
	n := p.counts[k]
	p.counts[k]++

	title := p.base
	if k.slot == hal.SlotSecondary {
		title += "_MONO"
	} else if k.slot == hal.SlotFront {
		title += "_FRONT"
	}
	switch {
	case p.kind == KindLongShot:
		title += fmt.Sprintf("_BURST%03d", n+1)
	case n > 0:
		title += fmt.Sprintf("_%d", n)
	}
	return title
}

func (d *Dispatcher) push(p *Pending, k queueKey, req *hal.Request) {
	e := Entity{
		Title:       p.title(k),
		Timestamp:   d.opts.Now(),
		Orientation: req.Controls.JPEG.Orientation,
		Location:    req.Controls.JPEG.GPS,
		Token:       req.Token,
	}
	p.queues[k] = append(p.queues[k], e)
	p.expected++
}

// Submitted records a still request handed to the hardware.
func (d *Dispatcher) Submitted(slot hal.SlotID, req *hal.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.current()
	if p == nil {
		d.logger.Warnf("dispatch: still on %s without a pending capture", slot)
		p = d.begin(KindCommon, []hal.SlotID{slot})
	}
	d.push(p, queueKey{slot: slot}, req)
	if req.HasTarget(hal.SurfaceRaw) {
		d.push(p, queueKey{slot: slot, raw: true}, req)
	}
	if p.kind == KindLongShot {
		d.unsaved++
	}
}

// PictureTaken seals a non-burst pending once every slot took its picture.
func (d *Dispatcher) PictureTaken(slot hal.SlotID) {
	d.mu.Lock()
	p := d.current()
	if p == nil || p.kind == KindLongShot {
		d.mu.Unlock()
		return
	}
	p.taken[slot] = true
	all := true
	for _, s := range p.slots {
		if !p.taken[s] {
			all = false
		}
	}
	if all {
		p.sealed = true
	}
	done := d.checkComplete(p)
	d.mu.Unlock()

	if done {
		d.complete(p)
	}
}

// EndBurst seals the running long shot after its last still was submitted.
func (d *Dispatcher) EndBurst(shots int) {
	d.mu.Lock()
	d.ls.active = false
	var p *Pending
	for i := len(d.pendings) - 1; i >= 0; i-- {
		if d.pendings[i].kind == KindLongShot && !d.pendings[i].sealed {
			p = d.pendings[i]
			break
		}
	}
	if p == nil {
		d.mu.Unlock()
		return
	}
	p.sealed = true
	d.logger.Infof("dispatch: burst %s sealed, %d shots, %d images expected", p.base, shots, p.expected)
	done := d.checkComplete(p)
	d.mu.Unlock()

	if done {
		d.complete(p)
	}
}

func (d *Dispatcher) checkComplete(p *Pending) bool {
	if p.done || !p.sealed || p.received < p.expected {
		return false
	}
	p.done = true
	for i, q := range d.pendings {
		if q == p {
			d.pendings = append(d.pendings[:i], d.pendings[i+1:]...)
			break
		}
	}
	return true
}

func (d *Dispatcher) complete(p *Pending) {
	d.mu.Lock()
	s := p.summary()
	clip := d.clipReady(p)
	orphans := p.orphans()
	p.saving += len(orphans)
	d.mu.Unlock()

	for _, si := range orphans {
		d.logger.Warnf("dispatch: %s has no partner frame, saved alone", si.Title)
		d.opts.Saver.AddImage(si, d.saveDone(p))
	}

	d.logger.Infof("dispatch: %s %s complete, %d/%d images", s.Kind, s.Title, s.Received, s.Expected)
	if d.opts.OnComplete != nil {
		d.opts.OnComplete(s)
	}
	if clip {
		go d.writeClip(p)
	}
}

// pop returns the oldest entity waiting for an image of slot.
func (d *Dispatcher) pop(k queueKey) (*Pending, Entity, bool) {
	for _, p := range d.pendings {
		q := p.queues[k]
		if len(q) == 0 {
			continue
		}
		e := q[0]
		p.queues[k] = q[1:]
		return p, e, true
	}
	return nil, Entity{}, false
}

// Deliver accepts one image from the hardware.
func (d *Dispatcher) Deliver(img hal.Image) {
	raw := img.Format == hal.FormatRaw

	d.mu.Lock()
	p, e, ok := d.pop(queueKey{slot: img.Slot, raw: raw})
	if !ok {
		d.mu.Unlock()
		d.logger.Warnf("dispatch: %s image on %s without a pending capture, dropped", img.Format, img.Slot)
		return
	}
	p.received++

	si := storage.Image{
		Data:        img.Data,
		Title:       e.Title,
		Timestamp:   e.Timestamp,
		Location:    e.Location,
		Width:       img.Width,
		Height:      img.Height,
		Orientation: e.Orientation,
		Format:      img.Format,
	}
	if img.Format == hal.FormatJPEG {
		if o, ok := exifOrientation(img.Data); ok {
			si.Orientation = o
		}
	}

	var (
		save   func()
		paired *pairJob
	)
	switch {
	case raw:
		p.saving++
		save = func() { d.opts.Saver.AddRawImage(si, d.saveDone(p)) }
	case p.kind == KindClearSight && (img.Slot == hal.SlotPrimary || img.Slot == hal.SlotSecondary):
		idx := p.delivered[img.Slot]
		p.delivered[img.Slot]++
		h := p.halves[idx]
		if h == nil {
			h = &pair{}
			p.halves[idx] = h
		}
		if img.Slot == hal.SlotPrimary {
			h.bayer = &si
		} else {
			h.mono = &si
		}
		if h.bayer != nil && h.mono != nil {
			delete(p.halves, idx)
			p.saving += 2
			paired = &pairJob{p: p, bayer: *h.bayer, mono: *h.mono}
		}
	default:
		p.saving++
		if p.kind == KindLongShot && p.width == 0 {
			p.width, p.height = img.Width, img.Height
		}
		save = func() { d.opts.Saver.AddImage(si, d.saveDone(p)) }
	}
	done := d.checkComplete(p)
	d.mu.Unlock()

	if save != nil {
		save()
	}
	if paired != nil {
		select {
		case d.pairs <- *paired:
		case <-d.quit:
		}
	}
	if done {
		d.complete(p)
	}
}

// orphans drains clear-sight halves whose partner never arrived.
func (p *Pending) orphans() []storage.Image {
	var out []storage.Image
	for idx, h := range p.halves {
		if h.bayer != nil {
			out = append(out, *h.bayer)
		}
		if h.mono != nil {
			out = append(out, *h.mono)
		}
		delete(p.halves, idx)
	}
	return out
}

func (d *Dispatcher) saveDone(p *Pending) storage.Done {
	return func(item storage.Item, err error) {
		d.mu.Lock()
		p.saving--
		if p.kind == KindLongShot && item.Kind == storage.KindImage {
			if d.unsaved > 0 {
				d.unsaved--
			}
			if err == nil {
				p.files = append(p.files, d.opts.Saver.ImagePath(item.Name))
			}
		}
		clip := d.clipReady(p)
		d.mu.Unlock()

		if err != nil {
			d.logger.Errorf("dispatch: save %s: %v", item.Name, err)
			d.warn(fmt.Sprintf("could not save %s", item.Name))
		} else if d.opts.OnSaved != nil {
			d.opts.OnSaved(item)
		}
		if clip {
			go d.writeClip(p)
		}
	}
}

// clipReady reports, once, that every frame of a finished burst is on disk.
func (d *Dispatcher) clipReady(p *Pending) bool {
	if !d.opts.Clip || p.kind != KindLongShot || !p.done || p.saving > 0 || p.clipped || len(p.files) < 2 {
		return false
	}
	p.clipped = true
	return true
}

func (d *Dispatcher) writeClip(p *Pending) {
	d.mu.Lock()
	files := append([]string(nil), p.files...)
	name := p.base + storage.DefaultVideoExt
	w, h := p.width, p.height
	d.mu.Unlock()

	n, err := d.opts.MakeClip(d.opts.Saver.VideoPath(name), w, h, d.opts.ClipFPS, files)
	if err != nil {
		d.logger.Errorf("dispatch: burst clip %s: %v", name, err)
		return
	}
	d.logger.Infof("dispatch: burst clip %s written, %d frames", name, n)
}

func (d *Dispatcher) warn(msg string) {
	if d.opts.Warner != nil {
		d.opts.Warner.Warn(msg)
	}
}

// StartLongShot arms the burst gate.
func (d *Dispatcher) StartLongShot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ls.active {
		return ErrLongShotRunning
	}
	d.ls = longShot{active: true}
	d.unsaved = 0
	return nil
}

// CancelLongShot stops the burst after the still in flight.
func (d *Dispatcher) CancelLongShot() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ls.active = false
}

func (d *Dispatcher) LongShotActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ls.active && !d.ls.cancelled
}

// AllowNextShot samples memory and storage before every burst still. At or
// below a threshold the burst is cancelled before the request is built.
func (d *Dispatcher) AllowNextShot() bool {
	d.mu.Lock()
	if !d.ls.active || d.ls.cancelled {
		d.mu.Unlock()
		return false
	}
	if d.opts.MaxShots > 0 && d.ls.shots >= d.opts.MaxShots {
		d.ls.active = false
		d.mu.Unlock()
		d.logger.Infof("dispatch: long shot reached %d shots", d.opts.MaxShots)
		return false
	}

	var reason string
	if d.opts.Monitor != nil {
		pr, err := d.opts.Monitor.Sample()
		switch {
		case err != nil:
			d.logger.Warnf("dispatch: pressure sample failed: %v", err)
		case pr.AvailableMemory <= d.opts.MinFreeMemory:
			reason = fmt.Sprintf("low memory, %s available", humanize.IBytes(pr.AvailableMemory))
		case pr.FreeStorage <= d.opts.MinFreeStorage:
			reason = fmt.Sprintf("low storage, %s free", humanize.IBytes(pr.FreeStorage))
		case d.opts.BufferSize > 0 && uint64(d.unsaved+1)*d.opts.BufferSize+d.opts.MinFreeMemory > pr.AvailableMemory:
			reason = fmt.Sprintf("%d burst frames still unsaved", d.unsaved)
		}
	}
	if reason != "" {
		d.ls.active = false
		d.ls.cancelled = true
		if p := d.current(); p != nil && p.kind == KindLongShot {
			p.cancelled = true
		}
		shots := d.ls.shots
		d.mu.Unlock()

		d.logger.Warnf("dispatch: long shot stopped after %d shots: %s", shots, reason)
		d.warn("long shot stopped: " + reason)
		return false
	}
	d.ls.shots++
	d.mu.Unlock()
	return true
}

// Discard drops p if no still was submitted for it, e.g. when the shutter
// press was refused by the hardware.
func (d *Dispatcher) Discard(p *Pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.expected > 0 || p.done {
		return
	}
	p.done = true
	for i, q := range d.pendings {
		if q == p {
			d.pendings = append(d.pendings[:i], d.pendings[i+1:]...)
			break
		}
	}
	if p.kind == KindLongShot {
		d.ls.active = false
	}
	d.logger.Debugf("dispatch: pending %d discarded", p.id)
}

// Failed accounts for a still request the hardware dropped. Its entities
// are popped as if their images had arrived, so the pending capture can
// still complete.
func (d *Dispatcher) Failed(slot hal.SlotID, token hal.Token) {
	d.mu.Lock()
	var p *Pending
	for _, k := range []queueKey{{slot: slot}, {slot: slot, raw: true}} {
		for _, q := range d.pendings {
			e := q.queues[k]
			if len(e) == 0 || e[0].Token != token {
				continue
			}
			q.queues[k] = e[1:]
			q.received++
			p = q
			break
		}
	}
	if p == nil {
		d.mu.Unlock()
		return
	}
	if p.kind == KindLongShot && d.unsaved > 0 {
		d.unsaved--
	}
	d.logger.Warnf("dispatch: still %d on %s failed, %s continues without it", token, slot, p.base)
	done := d.checkComplete(p)
	d.mu.Unlock()

	if done {
		d.complete(p)
	}
}

// Reset forgets every pending capture, e.g. when the sessions go away.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pendings) > 0 {
		d.logger.Infof("dispatch: dropping %d pending captures", len(d.pendings))
	}
	d.pendings = nil
	d.ls = longShot{}
	d.unsaved = 0
}

// Outstanding returns the number of pending captures.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendings)
}

// exifOrientation maps the EXIF orientation tag to clockwise degrees.
func exifOrientation(data []byte) (int, bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0, false
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	switch v {
	case 1:
		return 0, true
	case 3:
		return 180, true
	case 6:
		return 90, true
	case 8:
		return 270, true
	}
	return 0, false
}
