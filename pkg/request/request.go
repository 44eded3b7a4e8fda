// Package request turns a settings snapshot into a capture request.
//
// Build is pure: it reads its arguments only and returns a fresh
// *hal.Request, so it may be called from any goroutine.
package request

import (
	"dual-shutter/pkg/hal"
)

const (
	FocusContinuous = "continuous-picture"
	FocusAuto       = "auto"
	FocusMacro      = "macro"
	FocusInfinity   = "infinity"

	FlashOff   = "off"
	FlashAuto  = "auto"
	FlashOn    = "on"
	FlashTorch = "torch"

	SceneAuto  = "auto"
	SceneDebug = "debug"
)

// Settings is the user-facing state a request is derived from.
type Settings struct {
	FocusMode     string
	Flash         string
	WhiteBalance  string
	ExposureComp  int
	ISO           int // 0 is auto
	ColorEffect   string
	SceneMode     string
	FaceDetection bool
	Zoom          float64
	InstantAEC    bool
	Saturation    int // negative leaves the vendor default
	AntiBanding   string
	Histogram     bool
	Bokeh         bool
	BokehBlur     int
	Raw           bool
	JPEGQuality   int
	Orientation   int
	Location      *hal.Location
	AFRegions     []hal.MeteringRect
	AERegions     []hal.MeteringRect
}

// Flags carry the mode of the slot a request is built for.
type Flags struct {
	Dual       bool
	Linked     bool
	MonoOnly   bool
	ZSL        bool
	LongShot   bool
	BurstIndex int
	// TouchActive forces auto focus with the touch regions.
	TouchActive bool
	// AELocked keeps exposure locked on preview-class requests.
	AELocked bool
	Outputs  []hal.Surface
}

// FlashFires reports whether the current flash setting may fire on capture.
func FlashFires(s Settings) bool {
	return s.Flash == FlashOn || s.Flash == FlashAuto
}

// Build assembles the request for class. Later layers override earlier ones:
// control mode, face detection, white balance, exposure compensation, ISO,
// colour effect, scene mode, zoom crop, vendor extensions, then the
// class-specific 3A and JPEG overrides.
func Build(class hal.RequestClass, slot hal.SlotID, s Settings, f Flags, caps hal.Capabilities) *hal.Request {
	req := &hal.Request{
		Class:   class,
		Slot:    slot,
		Targets: targets(class, s, f),
	}
	c := &req.Controls

	c.ControlMode = hal.ControlModeAuto
	c.AFMode = afMode(s, f)
	c.AEMode = hal.AEModeOn
	c.Vendor = make(map[hal.VendorKey]int)

	c.FaceDetect = s.FaceDetection
	c.AWBMode = s.WhiteBalance
	if c.AWBMode == "" {
		c.AWBMode = "auto"
	}
	c.ExposureComp = s.ExposureComp
	c.ISO = s.ISO
	c.ColorEffect = s.ColorEffect
	if s.SceneMode != "" && s.SceneMode != SceneAuto && s.SceneMode != SceneDebug {
		c.ControlMode = hal.ControlModeUseSceneMode
		c.SceneMode = s.SceneMode
	}
	c.CropRegion = CropRegion(caps.ActiveArray, s.Zoom)
	applyVendor(c, s, f)
	applyRegions(c, s, f, caps)

	switch class {
	case hal.ClassPreview:
		c.Intent = hal.IntentPreview
		c.AELock = f.AELocked
	case hal.ClassLockFocus:
		c.Intent = hal.IntentPreview
		c.AFTrigger = hal.AFTriggerStart
	case hal.ClassTouchFocus:
		c.Intent = hal.IntentPreview
		c.AFMode = hal.AFModeAuto
		c.AFTrigger = hal.AFTriggerStart
	case hal.ClassPrecapture:
		c.Intent = hal.IntentPreview
		c.Precapture = hal.PrecaptureStart
	case hal.ClassLockExposure:
		c.Intent = hal.IntentPreview
		c.AELock = true
	case hal.ClassStillCapture:
		c.Intent = hal.IntentStillCapture
		if f.ZSL {
			c.Intent = hal.IntentZeroShutterLag
		}
		c.AELock = f.AELocked
		c.JPEG = hal.JPEGParams{
			Quality:     jpegQuality(s.JPEGQuality),
			Orientation: s.Orientation,
		}
		if s.Location != nil {
			loc := *s.Location
			c.JPEG.GPS = &loc
		}
		if f.LongShot {
			c.Vendor[hal.VendorBurstIndex] = f.BurstIndex
		}
	case hal.ClassUnlock:
		c.Intent = hal.IntentPreview
		c.AFMode = hal.AFModeContinuousPicture
		c.AFTrigger = hal.AFTriggerCancel
		c.AELock = false
	case hal.ClassVideo:
		c.Intent = hal.IntentVideoRecord
		c.AFMode = hal.AFModeContinuousVideo
	}
	applyFlash(c, class, s, caps)

	return req
}

func afMode(s Settings, f Flags) hal.AFMode {
	if f.TouchActive {
		return hal.AFModeAuto
	}
	switch s.FocusMode {
	case FocusAuto:
		return hal.AFModeAuto
	case FocusMacro:
		return hal.AFModeMacro
	case FocusInfinity:
		return hal.AFModeOff
	}
	return hal.AFModeContinuousPicture
}

func applyVendor(c *hal.Controls, s Settings, f Flags) {
	if s.InstantAEC {
		c.Vendor[hal.VendorInstantAEC] = 1
	}
	if s.Saturation >= 0 {
		c.Vendor[hal.VendorSaturation] = s.Saturation
	}
	switch s.AntiBanding {
	case "50hz":
		c.Vendor[hal.VendorAntiBanding] = 1
	case "60hz":
		c.Vendor[hal.VendorAntiBanding] = 2
	case "auto", "":
		c.Vendor[hal.VendorAntiBanding] = 3
	default:
		c.Vendor[hal.VendorAntiBanding] = 0
	}
	if s.Histogram {
		c.Vendor[hal.VendorHistogram] = 1
	}
	if s.Bokeh {
		c.Vendor[hal.VendorBokeh] = 1
		c.Vendor[hal.VendorBokehBlur] = s.BokehBlur
	}
	if f.Dual && f.Linked {
		c.Vendor[hal.VendorSensorLink] = 1
	}
	if f.MonoOnly {
		c.Vendor[hal.VendorMonoOnly] = 1
	}
}

// applyRegions uses the touch regions only for auto focus; anything else gets
// the zero-weight full-frame region, never an empty array.
func applyRegions(c *hal.Controls, s Settings, f Flags, caps hal.Capabilities) {
	touch := afMode(s, f) == hal.AFModeAuto
	if touch && caps.SupportsAFRegions && len(s.AFRegions) > 0 {
		c.AFRegions = append([]hal.MeteringRect(nil), s.AFRegions...)
	} else {
		c.AFRegions = ZeroWeightRegions(caps.ActiveArray)
	}
	if touch && caps.SupportsAERegions && len(s.AERegions) > 0 {
		c.AERegions = append([]hal.MeteringRect(nil), s.AERegions...)
	} else {
		c.AERegions = ZeroWeightRegions(caps.ActiveArray)
	}
}

func applyFlash(c *hal.Controls, class hal.RequestClass, s Settings, caps hal.Capabilities) {
	c.Flash = hal.FlashModeOff
	if !caps.SupportsFlash {
		c.AEMode = hal.AEModeOn
		return
	}
	switch s.Flash {
	case FlashOn:
		c.AEMode = hal.AEModeOnAlwaysFlash
	case FlashAuto:
		c.AEMode = hal.AEModeOnAutoFlash
	case FlashTorch:
		c.AEMode = hal.AEModeOn
		c.Flash = hal.FlashModeTorch
	default:
		c.AEMode = hal.AEModeOn
	}
	if class == hal.ClassUnlock && s.Flash != FlashTorch {
		c.Flash = hal.FlashModeOff
	}
}

// ZeroWeightRegions is the region array sent when metering regions must not
// bias 3A.
func ZeroWeightRegions(active hal.Rect) []hal.MeteringRect {
	return []hal.MeteringRect{{Rect: active, Weight: 0}}
}

// CropRegion centres a 1/zoom window in the active array.
func CropRegion(active hal.Rect, zoom float64) hal.Rect {
	if zoom < 1 {
		zoom = 1
	}
	w := int(float64(active.Width()) / zoom)
	h := int(float64(active.Height()) / zoom)
	left := active.Left + (active.Width()-w)/2
	top := active.Top + (active.Height()-h)/2
	return hal.Rect{Left: left, Top: top, Right: left + w, Bottom: top + h}
}

func jpegQuality(q int) int {
	if q <= 0 || q > 100 {
		return 85
	}
	return q
}

func targets(class hal.RequestClass, s Settings, f Flags) []hal.Surface {
	var want []hal.SurfaceKind
	switch class {
	case hal.ClassStillCapture:
		want = []hal.SurfaceKind{hal.SurfaceStill}
		if s.Raw {
			want = append(want, hal.SurfaceRaw)
		}
		if f.ZSL {
			want = append(want, hal.SurfacePreview)
		}
	case hal.ClassVideo:
		want = []hal.SurfaceKind{hal.SurfacePreview, hal.SurfaceVideo}
	default:
		want = []hal.SurfaceKind{hal.SurfacePreview}
	}

	var out []hal.Surface
	for _, k := range want {
		for _, o := range f.Outputs {
			if o.Kind == k {
				out = append(out, o)
			}
		}
	}
	return out
}

// TouchRegion maps a normalised touch point (0..1) to a metering rectangle
// covering size of the active array around it.
func TouchRegion(active hal.Rect, x, y, size float64) hal.MeteringRect {
	if size <= 0 || size > 1 {
		size = 0.1
	}
	w := int(float64(active.Width()) * size)
	h := int(float64(active.Height()) * size)
	cx := active.Left + int(float64(active.Width())*clamp01(x))
	cy := active.Top + int(float64(active.Height())*clamp01(y))

	r := hal.Rect{Left: cx - w/2, Top: cy - h/2, Right: cx + w/2, Bottom: cy + h/2}
	if r.Left < active.Left {
		r.Left = active.Left
	}
	if r.Top < active.Top {
		r.Top = active.Top
	}
	if r.Right > active.Right {
		r.Right = active.Right
	}
	if r.Bottom > active.Bottom {
		r.Bottom = active.Bottom
	}
	return hal.MeteringRect{Rect: r, Weight: 1000}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
