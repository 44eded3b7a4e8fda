package request

import (
	"reflect"
	"testing"

	"dual-shutter/pkg/hal"
)

var testCaps = hal.Capabilities{
	SupportsAFRegions: true,
	SupportsAERegions: true,
	SupportsFlash:     true,
	HasAutoFocus:      true,
	ActiveArray:       hal.Rect{Right: 4000, Bottom: 3000},
}

var testOutputs = []hal.Surface{
	{Name: "preview", Kind: hal.SurfacePreview, Width: 640, Height: 480},
	{Name: "still", Kind: hal.SurfaceStill, Width: 4000, Height: 3000},
	{Name: "raw", Kind: hal.SurfaceRaw, Width: 4000, Height: 3000},
}

func touchRegions() []hal.MeteringRect {
	return []hal.MeteringRect{{Rect: hal.Rect{Left: 100, Top: 100, Right: 500, Bottom: 400}, Weight: 1000}}
}

func TestRegionsOnlyForAutoFocus(t *testing.T) {
	full := ZeroWeightRegions(testCaps.ActiveArray)
	tests := []struct {
		name  string
		focus string
		touch bool
		caps  hal.Capabilities
		want  []hal.MeteringRect
	}{
		{"auto", FocusAuto, false, testCaps, touchRegions()},
		{"continuous", FocusContinuous, false, testCaps, full},
		{"touch overrides continuous", FocusContinuous, true, testCaps, touchRegions()},
		{"regions unsupported", FocusAuto, false, hal.Capabilities{ActiveArray: testCaps.ActiveArray}, full},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{FocusMode: tt.focus, AFRegions: touchRegions(), AERegions: touchRegions(), Saturation: -1}
			req := Build(hal.ClassPreview, hal.SlotPrimary, s, Flags{TouchActive: tt.touch}, tt.caps)
			if !reflect.DeepEqual(req.Controls.AFRegions, tt.want) {
				t.Errorf("AFRegions = %v, want %v", req.Controls.AFRegions, tt.want)
			}
			if !reflect.DeepEqual(req.Controls.AERegions, tt.want) {
				t.Errorf("AERegions = %v, want %v", req.Controls.AERegions, tt.want)
			}
		})
	}
}

func TestZeroWeightRegionIsNeverEmpty(t *testing.T) {
	req := Build(hal.ClassLockFocus, hal.SlotPrimary, Settings{Saturation: -1}, Flags{}, testCaps)
	if len(req.Controls.AFRegions) != 1 || req.Controls.AFRegions[0].Weight != 0 {
		t.Fatalf("AFRegions = %v, want one zero-weight region", req.Controls.AFRegions)
	}
	if req.Controls.AFRegions[0].Rect != testCaps.ActiveArray {
		t.Errorf("region = %v, want the active array", req.Controls.AFRegions[0].Rect)
	}
}

func TestClassOverrides(t *testing.T) {
	s := Settings{Flash: FlashAuto, Saturation: -1}
	tests := []struct {
		class      hal.RequestClass
		trigger    hal.AFTrigger
		precapture hal.PrecaptureTrigger
		aeLock     bool
		intent     hal.CaptureIntent
	}{
		{hal.ClassPreview, hal.AFTriggerIdle, hal.PrecaptureIdle, false, hal.IntentPreview},
		{hal.ClassLockFocus, hal.AFTriggerStart, hal.PrecaptureIdle, false, hal.IntentPreview},
		{hal.ClassPrecapture, hal.AFTriggerIdle, hal.PrecaptureStart, false, hal.IntentPreview},
		{hal.ClassLockExposure, hal.AFTriggerIdle, hal.PrecaptureIdle, true, hal.IntentPreview},
		{hal.ClassStillCapture, hal.AFTriggerIdle, hal.PrecaptureIdle, false, hal.IntentStillCapture},
		{hal.ClassUnlock, hal.AFTriggerCancel, hal.PrecaptureIdle, false, hal.IntentPreview},
		{hal.ClassTouchFocus, hal.AFTriggerStart, hal.PrecaptureIdle, false, hal.IntentPreview},
	}
	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			c := Build(tt.class, hal.SlotPrimary, s, Flags{}, testCaps).Controls
			if c.AFTrigger != tt.trigger {
				t.Errorf("AFTrigger = %d, want %d", c.AFTrigger, tt.trigger)
			}
			if c.Precapture != tt.precapture {
				t.Errorf("Precapture = %d, want %d", c.Precapture, tt.precapture)
			}
			if c.AELock != tt.aeLock {
				t.Errorf("AELock = %v, want %v", c.AELock, tt.aeLock)
			}
			if c.Intent != tt.intent {
				t.Errorf("Intent = %d, want %d", c.Intent, tt.intent)
			}
			if c.AEMode != hal.AEModeOnAutoFlash {
				t.Errorf("AEMode = %d, want auto flash", c.AEMode)
			}
		})
	}
}

func TestFlashMapping(t *testing.T) {
	tests := []struct {
		flash string
		ae    hal.AEMode
		mode  hal.FlashMode
	}{
		{FlashOff, hal.AEModeOn, hal.FlashModeOff},
		{FlashAuto, hal.AEModeOnAutoFlash, hal.FlashModeOff},
		{FlashOn, hal.AEModeOnAlwaysFlash, hal.FlashModeOff},
		{FlashTorch, hal.AEModeOn, hal.FlashModeTorch},
	}
	for _, tt := range tests {
		c := Build(hal.ClassPreview, hal.SlotPrimary, Settings{Flash: tt.flash, Saturation: -1}, Flags{}, testCaps).Controls
		if c.AEMode != tt.ae || c.Flash != tt.mode {
			t.Errorf("flash %s: AEMode = %d Flash = %d, want %d %d", tt.flash, c.AEMode, c.Flash, tt.ae, tt.mode)
		}
	}

	noFlash := testCaps
	noFlash.SupportsFlash = false
	c := Build(hal.ClassPreview, hal.SlotSecondary, Settings{Flash: FlashOn, Saturation: -1}, Flags{}, noFlash).Controls
	if c.AEMode != hal.AEModeOn {
		t.Errorf("camera without flash got AEMode %d", c.AEMode)
	}
}

func TestSceneModeOverridesControlMode(t *testing.T) {
	c := Build(hal.ClassPreview, hal.SlotPrimary, Settings{SceneMode: "night", Saturation: -1}, Flags{}, testCaps).Controls
	if c.ControlMode != hal.ControlModeUseSceneMode || c.SceneMode != "night" {
		t.Errorf("ControlMode = %d SceneMode = %q", c.ControlMode, c.SceneMode)
	}
	c = Build(hal.ClassPreview, hal.SlotPrimary, Settings{SceneMode: SceneDebug, Saturation: -1}, Flags{}, testCaps).Controls
	if c.ControlMode != hal.ControlModeAuto {
		t.Errorf("debug scene should not switch control mode, got %d", c.ControlMode)
	}
}

func TestCropRegion(t *testing.T) {
	got := CropRegion(hal.Rect{Right: 4000, Bottom: 3000}, 2)
	want := hal.Rect{Left: 1000, Top: 750, Right: 3000, Bottom: 2250}
	if got != want {
		t.Errorf("CropRegion = %v, want %v", got, want)
	}
	if got := CropRegion(hal.Rect{Right: 4000, Bottom: 3000}, 0.5); got != (hal.Rect{Right: 4000, Bottom: 3000}) {
		t.Errorf("zoom below 1 should keep the full array, got %v", got)
	}
}

func TestVendorExtensions(t *testing.T) {
	s := Settings{InstantAEC: true, Saturation: 7, AntiBanding: "50hz", Histogram: true, Bokeh: true, BokehBlur: 4}
	c := Build(hal.ClassPreview, hal.SlotPrimary, s, Flags{Dual: true, Linked: true}, testCaps).Controls
	want := map[hal.VendorKey]int{
		hal.VendorInstantAEC:  1,
		hal.VendorSaturation:  7,
		hal.VendorAntiBanding: 1,
		hal.VendorHistogram:   1,
		hal.VendorBokeh:       1,
		hal.VendorBokehBlur:   4,
		hal.VendorSensorLink:  1,
	}
	if !reflect.DeepEqual(c.Vendor, want) {
		t.Errorf("Vendor = %v, want %v", c.Vendor, want)
	}
}

func TestTargets(t *testing.T) {
	f := Flags{Outputs: testOutputs}
	req := Build(hal.ClassStillCapture, hal.SlotPrimary, Settings{Raw: true, Saturation: -1}, f, testCaps)
	if !req.HasTarget(hal.SurfaceStill) || !req.HasTarget(hal.SurfaceRaw) || req.HasTarget(hal.SurfacePreview) {
		t.Errorf("still targets = %v", req.Targets)
	}
	req = Build(hal.ClassLockFocus, hal.SlotPrimary, Settings{Saturation: -1}, f, testCaps)
	if len(req.Targets) != 1 || req.Targets[0].Kind != hal.SurfacePreview {
		t.Errorf("lock-focus targets = %v", req.Targets)
	}
}

// A still request rebuilt from the same inputs carries the same parameters.
func TestStillCaptureIsDeterministic(t *testing.T) {
	s := Settings{
		FocusMode:   FocusAuto,
		Flash:       FlashOn,
		Zoom:        1.5,
		Orientation: 90,
		JPEGQuality: 95,
		Saturation:  -1,
		Location:    &hal.Location{Latitude: 31.2, Longitude: 121.5},
		AFRegions:   touchRegions(),
	}
	f := Flags{Outputs: testOutputs, LongShot: true, BurstIndex: 3}

	first := Build(hal.ClassStillCapture, hal.SlotPrimary, s, f, testCaps)
	second := Build(hal.ClassStillCapture, hal.SlotPrimary, s, f, testCaps)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("two builds differ:\n%+v\n%+v", first, second)
	}

	c := first.Controls
	if c.AFTrigger != hal.AFTriggerIdle {
		t.Errorf("AFTrigger = %d, want idle", c.AFTrigger)
	}
	if c.AEMode != hal.AEModeOnAlwaysFlash {
		t.Errorf("AEMode = %d, want always flash", c.AEMode)
	}
	if c.JPEG.Orientation != 90 || c.JPEG.Quality != 95 {
		t.Errorf("JPEG = %+v", c.JPEG)
	}
	if c.CropRegion != CropRegion(testCaps.ActiveArray, 1.5) {
		t.Errorf("CropRegion = %v", c.CropRegion)
	}
	if c.Vendor[hal.VendorBurstIndex] != 3 {
		t.Errorf("burst index = %d, want 3", c.Vendor[hal.VendorBurstIndex])
	}

	// the descriptor owns its data
	s.Location.Latitude = 0
	if first.Controls.JPEG.GPS.Latitude != 31.2 {
		t.Error("request shares the location with the settings")
	}
}

func TestTouchRegionClamped(t *testing.T) {
	r := TouchRegion(hal.Rect{Right: 1000, Bottom: 1000}, 0, 1, 0.2)
	want := hal.Rect{Left: 0, Top: 900, Right: 100, Bottom: 1000}
	if r.Rect != want || r.Weight == 0 {
		t.Errorf("TouchRegion = %+v, want %v with weight", r, want)
	}
}
