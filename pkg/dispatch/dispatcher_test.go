package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/storage"
	"dual-shutter/pkg/utils/ps"
)

type saved struct {
	kind  storage.Kind
	title string
	aux   string
}

type fakeSaver struct {
	mu    sync.Mutex
	hold  bool
	calls []saved
	held  []func()
	ch    chan saved
}

func newSaver() *fakeSaver {
	return &fakeSaver{ch: make(chan saved, 32)}
}

func (s *fakeSaver) record(kind storage.Kind, img storage.Image, aux string, done storage.Done) {
	c := saved{kind: kind, title: img.Title, aux: aux}
	finish := func() {
		done(storage.Item{Name: img.Title + ".jpg", Kind: kind}, nil)
	}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	if s.hold {
		s.held = append(s.held, finish)
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		finish()
	}
	s.ch <- c
}

func (s *fakeSaver) AddImage(img storage.Image, done storage.Done) {
	s.record(storage.KindImage, img, "", done)
}

func (s *fakeSaver) AddRawImage(img storage.Image, done storage.Done) {
	s.record(storage.KindRaw, img, "", done)
}

func (s *fakeSaver) AddMpoImage(bayer, mono storage.Image, done storage.Done) {
	s.record(storage.KindMpo, bayer, mono.Title, done)
}

func (s *fakeSaver) ImagePath(name string) string { return "/images/" + name }
func (s *fakeSaver) VideoPath(name string) string { return "/videos/" + name }

func (s *fakeSaver) next(t *testing.T) saved {
	t.Helper()
	select {
	case c := <-s.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("nothing saved")
	}
	return saved{}
}

type fakeMonitor struct {
	mu sync.Mutex
	p  ps.Pressure
}

func (m *fakeMonitor) Sample() (ps.Pressure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, nil
}

type warnings struct {
	mu   sync.Mutex
	msgs []string
}

func (w *warnings) Warn(msg string) {
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	w.mu.Unlock()
}

const mb = 1 << 20

func newDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t).Sugar()
	opts.Now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) }
	d := New(opts)
	t.Cleanup(d.Close)
	return d
}

func still(token hal.Token, targets ...hal.SurfaceKind) *hal.Request {
	req := &hal.Request{Class: hal.ClassStillCapture, Token: token}
	req.Targets = append(req.Targets, hal.Surface{Kind: hal.SurfaceStill})
	for _, k := range targets {
		req.Targets = append(req.Targets, hal.Surface{Kind: k})
	}
	req.Controls.JPEG.Orientation = 90
	return req
}

func jpeg(slot hal.SlotID, token hal.Token) hal.Image {
	return hal.Image{Slot: slot, Token: token, Format: hal.FormatJPEG, Width: 64, Height: 48, Data: []byte{0xff, 0xd8, 0xff, 0xd9}}
}

func TestFIFOEntityOrder(t *testing.T) {
	s := newSaver()
	var got []Summary
	d := newDispatcher(t, Options{Saver: s, OnComplete: func(sum Summary) { got = append(got, sum) }})

	d.Begin(KindCommon, hal.SlotPrimary)
	d.Submitted(hal.SlotPrimary, still(1))
	d.Submitted(hal.SlotPrimary, still(2))
	d.PictureTaken(hal.SlotPrimary)
	if len(got) != 0 {
		t.Fatal("completed before any image arrived")
	}

	d.Deliver(jpeg(hal.SlotPrimary, 1))
	d.Deliver(jpeg(hal.SlotPrimary, 2))

	first, second := s.next(t), s.next(t)
	if first.title != "IMG_20240501_083000_000" || second.title != "IMG_20240501_083000_000_1" {
		t.Errorf("titles = %q, %q", first.title, second.title)
	}
	if len(got) != 1 || got[0].Expected != 2 || got[0].Received != 2 {
		t.Fatalf("summaries = %+v", got)
	}
	if d.Outstanding() != 0 {
		t.Errorf("%d pending captures left", d.Outstanding())
	}
}

func TestImageWithoutPendingIsDropped(t *testing.T) {
	s := newSaver()
	d := newDispatcher(t, Options{Saver: s})
	d.Deliver(jpeg(hal.SlotPrimary, 7))
	if len(s.calls) != 0 {
		t.Errorf("saved %v", s.calls)
	}
}

func TestRawRouting(t *testing.T) {
	s := newSaver()
	done := 0
	d := newDispatcher(t, Options{Saver: s, OnComplete: func(Summary) { done++ }})
	d.Begin(KindCommon, hal.SlotPrimary)
	d.Submitted(hal.SlotPrimary, still(1, hal.SurfaceRaw))
	d.PictureTaken(hal.SlotPrimary)

	d.Deliver(hal.Image{Slot: hal.SlotPrimary, Token: 1, Format: hal.FormatRaw, Data: []byte{1}})
	if c := s.next(t); c.kind != storage.KindRaw {
		t.Fatalf("first save = %+v, want raw", c)
	}
	if done != 0 {
		t.Fatal("completed with the jpeg missing")
	}
	d.Deliver(jpeg(hal.SlotPrimary, 1))
	if c := s.next(t); c.kind != storage.KindImage {
		t.Fatalf("second save = %+v, want image", c)
	}
	if done != 1 {
		t.Errorf("completions = %d", done)
	}
}

func TestClearSightPairing(t *testing.T) {
	s := newSaver()
	complete := make(chan Summary, 1)
	d := newDispatcher(t, Options{Saver: s, OnComplete: func(sum Summary) { complete <- sum }})

	d.Begin(KindClearSight, hal.SlotPrimary, hal.SlotSecondary)
	d.Submitted(hal.SlotPrimary, still(1))
	d.PictureTaken(hal.SlotPrimary)
	d.Submitted(hal.SlotSecondary, still(2))
	d.PictureTaken(hal.SlotSecondary)

	d.Deliver(jpeg(hal.SlotSecondary, 2))
	if len(s.calls) != 0 {
		t.Fatal("mono half saved alone")
	}
	d.Deliver(jpeg(hal.SlotPrimary, 1))

	mpo, bayer := s.next(t), s.next(t)
	if mpo.kind != storage.KindMpo || !strings.HasSuffix(mpo.aux, "_MONO") {
		t.Errorf("combined save = %+v", mpo)
	}
	if bayer.kind != storage.KindImage || bayer.title != mpo.title {
		t.Errorf("bayer save = %+v", bayer)
	}
	select {
	case sum := <-complete:
		if sum.Received != 2 {
			t.Errorf("summary = %+v", sum)
		}
	case <-time.After(time.Second):
		t.Fatal("pair never completed")
	}
}

func TestClearSightMissingHalfSavedAlone(t *testing.T) {
	s := newSaver()
	complete := make(chan Summary, 1)
	d := newDispatcher(t, Options{Saver: s, OnComplete: func(sum Summary) { complete <- sum }})

	// bayer still was dropped, only the mono still is outstanding
	d.Begin(KindClearSight, hal.SlotPrimary, hal.SlotSecondary)
	d.Submitted(hal.SlotSecondary, still(2))
	d.PictureTaken(hal.SlotPrimary)
	d.PictureTaken(hal.SlotSecondary)
	d.Deliver(jpeg(hal.SlotSecondary, 2))

	if c := s.next(t); c.kind != storage.KindImage {
		t.Errorf("lone half save = %+v", c)
	}
	select {
	case sum := <-complete:
		if sum.Received != 1 || sum.Expected != 1 {
			t.Errorf("summary = %+v", sum)
		}
	case <-time.After(time.Second):
		t.Fatal("pair never completed")
	}
	if d.Outstanding() != 0 {
		t.Error("pending kept after completion")
	}
}

func TestPressureAtThresholdStopsBeforeFirstShot(t *testing.T) {
	w := &warnings{}
	d := newDispatcher(t, Options{
		Saver:          newSaver(),
		Monitor:        &fakeMonitor{p: ps.Pressure{AvailableMemory: 60 * mb, FreeStorage: 1 << 30}},
		Warner:         w,
		MinFreeMemory:  60 * mb,
		MinFreeStorage: 50 * mb,
	})
	if err := d.StartLongShot(); err != nil {
		t.Fatal(err)
	}
	if d.AllowNextShot() {
		t.Fatal("shot allowed with memory at the threshold")
	}
	if d.LongShotActive() {
		t.Error("long shot still active")
	}
	if len(w.msgs) != 1 || !strings.Contains(w.msgs[0], "60 MiB") {
		t.Errorf("warnings = %v", w.msgs)
	}
	if err := d.StartLongShot(); err != nil {
		t.Errorf("restart after cancel: %v", err)
	}
}

func TestStorageThreshold(t *testing.T) {
	d := newDispatcher(t, Options{
		Saver:          newSaver(),
		Monitor:        &fakeMonitor{p: ps.Pressure{AvailableMemory: 1 << 30, FreeStorage: 50 * mb}},
		MinFreeMemory:  60 * mb,
		MinFreeStorage: 50 * mb,
	})
	d.StartLongShot()
	if d.AllowNextShot() {
		t.Fatal("shot allowed with storage at the threshold")
	}
}

func TestUnsavedFramesBoundBurst(t *testing.T) {
	s := newSaver()
	s.hold = true
	d := newDispatcher(t, Options{
		Saver:         s,
		Monitor:       &fakeMonitor{p: ps.Pressure{AvailableMemory: 100 * mb, FreeStorage: 1 << 30}},
		MinFreeMemory: 60 * mb,
		BufferSize:    10 * mb,
	})
	d.StartLongShot()
	d.Begin(KindLongShot, hal.SlotPrimary)

	shots := 0
	for d.AllowNextShot() {
		shots++
		d.Submitted(hal.SlotPrimary, still(hal.Token(shots)))
		if shots > 10 {
			t.Fatal("burst never bounded")
		}
	}
	// 60 MiB reserve plus four 10 MiB frames fit in 100 MiB
	if shots != 4 {
		t.Errorf("shots = %d, want 4", shots)
	}
}

func TestLongShotClip(t *testing.T) {
	s := newSaver()
	clip := make(chan []string, 1)
	complete := make(chan Summary, 1)
	d := newDispatcher(t, Options{
		Saver:    s,
		MaxShots: 3,
		Clip:     true,
		ClipFPS:  5,
		MakeClip: func(path string, w, h, fps int, files []string) (int, error) {
			if path != "/videos/IMG_20240501_083000_000.avi" || w != 64 || fps != 5 {
				t.Errorf("clip %s %dx%d@%d", path, w, h, fps)
			}
			clip <- files
			return len(files), nil
		},
		OnComplete: func(sum Summary) { complete <- sum },
	})

	if err := d.StartLongShot(); err != nil {
		t.Fatal(err)
	}
	if err := d.StartLongShot(); err != ErrLongShotRunning {
		t.Errorf("second start = %v", err)
	}
	d.Begin(KindLongShot, hal.SlotPrimary)
	n := 0
	for d.AllowNextShot() {
		n++
		d.Submitted(hal.SlotPrimary, still(hal.Token(n)))
	}
	if n != 3 {
		t.Fatalf("shots = %d, want 3", n)
	}
	d.EndBurst(n)
	for i := 1; i <= n; i++ {
		d.Deliver(jpeg(hal.SlotPrimary, hal.Token(i)))
	}

	sum := <-complete
	if sum.Kind != "longshot" || sum.Received != 3 {
		t.Errorf("summary = %+v", sum)
	}
	select {
	case files := <-clip:
		if len(files) != 3 || files[0] != "/images/IMG_20240501_083000_000_BURST001.jpg" {
			t.Errorf("clip files = %v", files)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clip never written")
	}
}

func TestEmptyBurstCompletes(t *testing.T) {
	done := 0
	d := newDispatcher(t, Options{Saver: newSaver(), OnComplete: func(Summary) { done++ }})
	d.StartLongShot()
	d.Begin(KindLongShot, hal.SlotPrimary)
	d.EndBurst(0)
	if done != 1 {
		t.Errorf("completions = %d, want 1", done)
	}
}

func TestExifOrientation(t *testing.T) {
	tiff := []byte{
		'M', 'M', 0, 42, 0, 0, 0, 8,
		0, 1, // one entry
		0x01, 0x12, 0, 3, 0, 0, 0, 1, 0, 6, 0, 0, // orientation = 6
		0, 0, 0, 0,
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	n := len(payload) + 2
	data := append([]byte{0xff, 0xd8, 0xff, 0xe1, byte(n >> 8), byte(n)}, payload...)
	data = append(data, 0xff, 0xd9)

	o, ok := exifOrientation(data)
	if !ok || o != 90 {
		t.Errorf("orientation = %d, %v; want 90", o, ok)
	}
	if _, ok := exifOrientation([]byte{0xff, 0xd8, 0xff, 0xd9}); ok {
		t.Error("orientation read from a jpeg without exif")
	}
}

func TestFailedStillStillCompletes(t *testing.T) {
	s := newSaver()
	var got []Summary
	d := newDispatcher(t, Options{Saver: s, OnComplete: func(sum Summary) { got = append(got, sum) }})

	d.Begin(KindCommon, hal.SlotPrimary)
	d.Submitted(hal.SlotPrimary, still(4, hal.SurfaceRaw))
	d.PictureTaken(hal.SlotPrimary)

	d.Failed(hal.SlotPrimary, 3)
	if d.Outstanding() != 1 {
		t.Fatal("unrelated token popped an entity")
	}
	d.Failed(hal.SlotPrimary, 4)
	if len(got) != 1 || got[0].Received != 2 || got[0].Expected != 2 {
		t.Fatalf("summaries = %+v", got)
	}
	if len(s.calls) != 0 {
		t.Errorf("saved %v", s.calls)
	}
}

func TestDiscardOnlyEmptyPending(t *testing.T) {
	d := newDispatcher(t, Options{Saver: newSaver()})

	empty := d.Begin(KindCommon, hal.SlotPrimary)
	d.Discard(empty)
	if d.Outstanding() != 0 {
		t.Fatal("empty pending kept")
	}

	busy := d.Begin(KindCommon, hal.SlotPrimary)
	d.Submitted(hal.SlotPrimary, still(1))
	d.Discard(busy)
	if d.Outstanding() != 1 {
		t.Fatal("pending with a submitted still discarded")
	}

	if err := d.StartLongShot(); err != nil {
		t.Fatal(err)
	}
	d.Discard(d.Begin(KindLongShot, hal.SlotPrimary))
	if d.LongShotActive() {
		t.Error("discarded burst left the gate armed")
	}
}
