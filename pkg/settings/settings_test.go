package settings

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"dual-shutter/pkg/request"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		keys []string
		want Restart
	}{
		{nil, RestartNone},
		{[]string{KeyZoom, KeyExposure}, RestartNone},
		{[]string{KeyZoom, KeyFlash}, RestartSession},
		{[]string{KeyRaw, KeyCameraID}, RestartAll},
		{[]string{KeySceneMode}, RestartAll},
	}
	for _, c := range cases {
		if got := Classify(c.keys); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.keys, got, c.want)
		}
	}
}

func TestApplyNotifiesOncePerBatch(t *testing.T) {
	s, err := New("", zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	c, err := s.Apply(map[string]string{KeyZoom: "2", KeyFlash: request.FlashOn, KeyExposure: "0"})
	if err != nil {
		t.Fatal(err)
	}
	// exposure already 0
	if len(c.Keys) != 2 || c.Restart != RestartSession {
		t.Errorf("change = %+v", c)
	}
	if len(changes) != 1 {
		t.Fatalf("notified %d times", len(changes))
	}

	if _, err := s.Set(KeyZoom, "2"); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Error("unchanged value notified")
	}
}

func TestSubscribeDuringNotify(t *testing.T) {
	s, err := New("", zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	late := 0
	s.Subscribe(func(Change) {
		s.Subscribe(func(Change) { late++ })
	})

	if _, err := s.Set(KeyZoom, "3"); err != nil {
		t.Fatal(err)
	}
	if late != 0 {
		t.Fatalf("listener added during a batch saw it %d times", late)
	}
	if _, err := s.Set(KeyZoom, "4"); err != nil {
		t.Fatal(err)
	}
	if late != 1 {
		t.Errorf("late listener notified %d times, want 1", late)
	}
}

func TestApplyRejectsWholeBatch(t *testing.T) {
	s, _ := New("", zaptest.NewLogger(t).Sugar())
	if _, err := s.Apply(map[string]string{KeyZoom: "3", KeyFlash: "sometimes"}); err == nil {
		t.Fatal("invalid flash accepted")
	}
	if s.Get(KeyZoom) != "1" {
		t.Errorf("zoom = %s, batch was partly applied", s.Get(KeyZoom))
	}
	if _, err := s.Set("nope", "1"); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := New(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(map[string]string{KeyFocusMode: request.FocusAuto, KeyJPEGQuality: "95"}); err != nil {
		t.Fatal(err)
	}

	again, err := New(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if again.Get(KeyFocusMode) != request.FocusAuto || again.Int(KeyJPEGQuality) != 95 {
		t.Errorf("reloaded %v", again.All())
	}
}

func TestStoredGarbageIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"zoom":"100","flash":"on","bogus":"1"}`), 0660); err != nil {
		t.Fatal(err)
	}
	s, err := New(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if s.Float(KeyZoom) != 1 || s.Get(KeyFlash) != request.FlashOn {
		t.Errorf("values = %v", s.All())
	}
}

func TestSnapshot(t *testing.T) {
	s, _ := New("", zaptest.NewLogger(t).Sugar())
	s.Apply(map[string]string{KeyZoom: "2.5", KeySaturation: "7", KeyBokeh: "true"})

	got := s.Snapshot()
	if got.Zoom != 2.5 || got.Saturation != 7 || !got.Bokeh {
		t.Errorf("snapshot = %+v", got)
	}
	if got.ColorEffect != "" {
		t.Errorf("color effect %q, want unset", got.ColorEffect)
	}
	if got.FocusMode != request.FocusContinuous || got.JPEGQuality != 85 {
		t.Errorf("defaults not carried: %+v", got)
	}
}
