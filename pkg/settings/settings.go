// Package settings is the string key/value store the UI edits. Changes are
// applied in batches and every batch is classified by what it requires from
// the capture core: nothing, a session restart or a full camera restart.
package settings

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"dual-shutter/pkg/request"
	"dual-shutter/pkg/utils"
)

const (
	KeyCameraID      = "camera_id"
	KeyMonoOnly      = "mono_only"
	KeyClearSight    = "clearsight"
	KeySceneMode     = "scene_mode"
	KeyFlash         = "flash"
	KeyZSL           = "zsl"
	KeyAutoHDR       = "auto_hdr"
	KeyRaw           = "raw"
	KeyHDR           = "hdr"
	KeyFocusMode     = "focus_mode"
	KeyWhiteBalance  = "white_balance"
	KeyExposure      = "exposure"
	KeyISO           = "iso"
	KeyColorEffect   = "color_effect"
	KeyFaceDetection = "face_detection"
	KeyZoom          = "zoom"
	KeyInstantAEC    = "instant_aec"
	KeySaturation    = "saturation"
	KeyAntiBanding   = "anti_banding"
	KeyHistogram     = "histogram"
	KeyBokeh         = "bokeh"
	KeyBokehBlur     = "bokeh_blur"
	KeyJPEGQuality   = "jpeg_quality"
	KeyMonoPreview   = "mono_preview"
)

// Restart is what a batch of changes requires.
type Restart int

const (
	RestartNone Restart = iota
	// RestartSession reconfigures the capture sessions of the open cameras.
	RestartSession
	// RestartAll closes and reopens every camera.
	RestartAll
)

func (r Restart) String() string {
	switch r {
	case RestartSession:
		return "session"
	case RestartAll:
		return "all"
	}
	return "none"
}

var restartAllKeys = map[string]bool{
	KeyCameraID:   true,
	KeyMonoOnly:   true,
	KeyClearSight: true,
	KeySceneMode:  true,
}

var restartSessionKeys = map[string]bool{
	KeyFlash:   true,
	KeyZSL:     true,
	KeyAutoHDR: true,
	KeyRaw:     true,
	KeyHDR:     true,
}

// Classify returns the strongest restart any of keys needs.
func Classify(keys []string) Restart {
	r := RestartNone
	for _, k := range keys {
		switch {
		case restartAllKeys[k]:
			return RestartAll
		case restartSessionKeys[k]:
			r = RestartSession
		}
	}
	return r
}

// Change is one applied batch.
type Change struct {
	Keys    []string `json:"keys"`
	Restart Restart  `json:"restart"`
}

type validator func(string) error

func oneOf(values ...string) validator {
	return func(v string) error {
		for _, x := range values {
			if v == x {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v", values)
	}
}

func intRange(lo, hi int) validator {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < lo || n > hi {
			return fmt.Errorf("must be in [%d, %d]", lo, hi)
		}
		return nil
	}
}

func floatRange(lo, hi float64) validator {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if f < lo || f > hi {
			return fmt.Errorf("must be in [%g, %g]", lo, hi)
		}
		return nil
	}
}

var boolean = oneOf("true", "false")

func anyValue(string) error { return nil }

var schema = map[string]validator{
	KeyCameraID:      oneOf("primary", "secondary", "front", "logical"),
	KeyMonoOnly:      boolean,
	KeyClearSight:    boolean,
	KeySceneMode:     oneOf(request.SceneAuto, request.SceneDebug, "night", "portrait", "landscape", "sports", "hdr"),
	KeyFlash:         oneOf(request.FlashOff, request.FlashAuto, request.FlashOn, request.FlashTorch),
	KeyZSL:           boolean,
	KeyAutoHDR:       boolean,
	KeyRaw:           boolean,
	KeyHDR:           boolean,
	KeyFocusMode:     oneOf(request.FocusContinuous, request.FocusAuto, request.FocusMacro, request.FocusInfinity),
	KeyWhiteBalance:  oneOf("auto", "incandescent", "fluorescent", "daylight", "cloudy-daylight", "shade"),
	KeyExposure:      intRange(-12, 12),
	KeyISO:           intRange(0, 3200),
	KeyColorEffect:   anyValue,
	KeyFaceDetection: boolean,
	KeyZoom:          floatRange(1, 8),
	KeyInstantAEC:    boolean,
	KeySaturation:    intRange(-1, 10),
	KeyAntiBanding:   oneOf("off", "50hz", "60hz", "auto"),
	KeyHistogram:     boolean,
	KeyBokeh:         boolean,
	KeyBokehBlur:     intRange(0, 100),
	KeyJPEGQuality:   intRange(1, 100),
	KeyMonoPreview:   boolean,
}

// Defaults returns the factory values of every key.
func Defaults() map[string]string {
	return map[string]string{
		KeyCameraID:      "primary",
		KeyMonoOnly:      "false",
		KeyClearSight:    "false",
		KeySceneMode:     request.SceneAuto,
		KeyFlash:         request.FlashOff,
		KeyZSL:           "false",
		KeyAutoHDR:       "false",
		KeyRaw:           "false",
		KeyHDR:           "false",
		KeyFocusMode:     request.FocusContinuous,
		KeyWhiteBalance:  "auto",
		KeyExposure:      "0",
		KeyISO:           "0",
		KeyColorEffect:   "none",
		KeyFaceDetection: "false",
		KeyZoom:          "1",
		KeyInstantAEC:    "false",
		KeySaturation:    "-1",
		KeyAntiBanding:   "auto",
		KeyHistogram:     "false",
		KeyBokeh:         "false",
		KeyBokehBlur:     "50",
		KeyJPEGQuality:   "85",
		KeyMonoPreview:   "true",
	}
}

type Store struct {
	path   string
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	values map[string]string

	lmu       sync.Mutex
	listeners []func(Change)
}

// New loads path over the defaults. An empty path keeps the store in memory.
func New(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = utils.GetLogger()
	}
	s := &Store{
		path:   path,
		logger: logger,
		values: Defaults(),
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	saved := make(map[string]string)
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("unmarshal settings err: %w", err)
	}
	for k, v := range saved {
		if err := check(k, v); err != nil {
			logger.Warnf("settings: dropping stored %s=%q: %v", k, v, err)
			continue
		}
		s.values[k] = v
	}

	return s, nil
}

func check(key, value string) error {
	v, ok := schema[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := v(value); err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

// Subscribe registers f for every applied batch. f runs on the goroutine that
// called Apply.
func (s *Store) Subscribe(f func(Change)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, f)
}

func (s *Store) Set(key, value string) (Change, error) {
	return s.Apply(map[string]string{key: value})
}

// Apply validates the whole batch, stores the values that differ, persists
// and notifies once. Nothing is stored if one value is invalid.
func (s *Store) Apply(values map[string]string) (Change, error) {
	for k, v := range values {
		if err := check(k, v); err != nil {
			return Change{}, err
		}
	}

	s.mu.Lock()
	var keys []string
	for k, v := range values {
		if s.values[k] == v {
			continue
		}
		s.values[k] = v
		keys = append(keys, k)
	}
	var snapshot map[string]string
	if len(keys) > 0 {
		snapshot = s.copyLocked()
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		return Change{}, nil
	}
	sort.Strings(keys)
	c := Change{Keys: keys, Restart: Classify(keys)}
	s.logger.Infof("settings: %v changed, restart %s", keys, c.Restart)

	if err := s.save(snapshot); err != nil {
		s.logger.Errorf("settings: persist: %v", err)
	}

	s.lmu.Lock()
	listeners := slices.Clone(s.listeners)
	s.lmu.Unlock()
	for _, f := range listeners {
		f(c)
	}

	return c, nil
}

func (s *Store) save(values map[string]string) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0660)
}

func (s *Store) copyLocked() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// All returns a copy of every value.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *Store) Bool(key string) bool {
	b, _ := strconv.ParseBool(s.Get(key))
	return b
}

func (s *Store) Int(key string) int {
	n, _ := strconv.Atoi(s.Get(key))
	return n
}

func (s *Store) Float(key string) float64 {
	f, _ := strconv.ParseFloat(s.Get(key), 64)
	return f
}

// Snapshot is the typed view the request builder consumes.
func (s *Store) Snapshot() request.Settings {
	s.mu.RLock()
	v := s.copyLocked()
	s.mu.RUnlock()

	atoi := func(k string) int {
		n, _ := strconv.Atoi(v[k])
		return n
	}
	flag := func(k string) bool {
		b, _ := strconv.ParseBool(v[k])
		return b
	}
	zoom, _ := strconv.ParseFloat(v[KeyZoom], 64)
	effect := v[KeyColorEffect]
	if effect == "none" {
		effect = ""
	}

	return request.Settings{
		FocusMode:     v[KeyFocusMode],
		Flash:         v[KeyFlash],
		WhiteBalance:  v[KeyWhiteBalance],
		ExposureComp:  atoi(KeyExposure),
		ISO:           atoi(KeyISO),
		ColorEffect:   effect,
		SceneMode:     v[KeySceneMode],
		FaceDetection: flag(KeyFaceDetection),
		Zoom:          zoom,
		InstantAEC:    flag(KeyInstantAEC),
		Saturation:    atoi(KeySaturation),
		AntiBanding:   v[KeyAntiBanding],
		Histogram:     flag(KeyHistogram),
		Bokeh:         flag(KeyBokeh),
		BokehBlur:     atoi(KeyBokehBlur),
		Raw:           flag(KeyRaw),
		JPEGQuality:   atoi(KeyJPEGQuality),
	}
}
