package hal

type AFState int

const (
	AFStateUnknown AFState = iota
	AFStateInactive
	AFStatePassiveScan
	AFStatePassiveFocused
	AFStateActiveScan
	AFStateFocusedLocked
	AFStateNotFocusedLocked
	AFStatePassiveUnfocused
)

func (s AFState) String() string {
	switch s {
	case AFStateInactive:
		return "inactive"
	case AFStatePassiveScan:
		return "passive-scan"
	case AFStatePassiveFocused:
		return "passive-focused"
	case AFStateActiveScan:
		return "active-scan"
	case AFStateFocusedLocked:
		return "focused-locked"
	case AFStateNotFocusedLocked:
		return "not-focused-locked"
	case AFStatePassiveUnfocused:
		return "passive-unfocused"
	}
	return "unknown"
}

// AEState of AEStateUnknown means the hardware did not report one.
type AEState int

const (
	AEStateUnknown AEState = iota
	AEStateInactive
	AEStateSearching
	AEStateConverged
	AEStateLocked
	AEStateFlashRequired
	AEStatePrecapture
)

func (s AEState) String() string {
	switch s {
	case AEStateInactive:
		return "inactive"
	case AEStateSearching:
		return "searching"
	case AEStateConverged:
		return "converged"
	case AEStateLocked:
		return "locked"
	case AEStateFlashRequired:
		return "flash-required"
	case AEStatePrecapture:
		return "precapture"
	}
	return "unknown"
}

type RequestClass int

const (
	ClassPreview RequestClass = iota
	ClassLockFocus
	ClassPrecapture
	ClassLockExposure
	ClassStillCapture
	ClassUnlock
	ClassVideo
	ClassTouchFocus
)

func (c RequestClass) String() string {
	switch c {
	case ClassPreview:
		return "preview"
	case ClassLockFocus:
		return "lock-focus"
	case ClassPrecapture:
		return "precapture"
	case ClassLockExposure:
		return "lock-exposure"
	case ClassStillCapture:
		return "still-capture"
	case ClassUnlock:
		return "unlock"
	case ClassVideo:
		return "video"
	case ClassTouchFocus:
		return "touch-focus"
	}
	return "unknown"
}

type AFMode int

const (
	AFModeContinuousPicture AFMode = iota
	AFModeAuto
	AFModeMacro
	AFModeContinuousVideo
	AFModeOff
)

type AFTrigger int

const (
	AFTriggerIdle AFTrigger = iota
	AFTriggerStart
	AFTriggerCancel
)

type AEMode int

const (
	AEModeOn AEMode = iota
	AEModeOnAutoFlash
	AEModeOnAlwaysFlash
	AEModeOff
)

type PrecaptureTrigger int

const (
	PrecaptureIdle PrecaptureTrigger = iota
	PrecaptureStart
	PrecaptureCancel
)

type FlashMode int

const (
	FlashModeOff FlashMode = iota
	FlashModeSingle
	FlashModeTorch
)

type ControlMode int

const (
	ControlModeAuto ControlMode = iota
	ControlModeUseSceneMode
	ControlModeOff
)

type CaptureIntent int

const (
	IntentPreview CaptureIntent = iota
	IntentStillCapture
	IntentVideoRecord
	IntentVideoSnapshot
	IntentZeroShutterLag
)

// VendorKey names a vendor extension control.
type VendorKey string

const (
	VendorInstantAEC  VendorKey = "instant_aec"
	VendorSaturation  VendorKey = "saturation"
	VendorAntiBanding VendorKey = "anti_banding"
	VendorHistogram   VendorKey = "histogram"
	VendorBokeh       VendorKey = "bokeh"
	VendorBokehBlur   VendorKey = "bokeh_blur"
	VendorSensorLink  VendorKey = "sensor_link"
	VendorMonoOnly    VendorKey = "mono_only"
	VendorBurstIndex  VendorKey = "burst_index"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

type JPEGParams struct {
	Quality     int
	Orientation int
	GPS         *Location
}

// Controls are the per-request parameters.
type Controls struct {
	ControlMode  ControlMode
	AFMode       AFMode
	AFTrigger    AFTrigger
	AEMode       AEMode
	AELock       bool
	Precapture   PrecaptureTrigger
	Flash        FlashMode
	AFRegions    []MeteringRect
	AERegions    []MeteringRect
	FaceDetect   bool
	AWBMode      string
	ExposureComp int
	ISO          int
	ColorEffect  string
	SceneMode    string
	CropRegion   Rect
	Intent       CaptureIntent
	JPEG         JPEGParams
	Vendor       map[VendorKey]int
}

// Request describes one submission. It is built fresh for every submission
// and must not be changed once handed to a Session.
type Request struct {
	Class    RequestClass
	Slot     SlotID
	Token    Token
	Targets  []Surface
	Controls Controls
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Targets = append([]Surface(nil), r.Targets...)
	c.Controls.AFRegions = append([]MeteringRect(nil), r.Controls.AFRegions...)
	c.Controls.AERegions = append([]MeteringRect(nil), r.Controls.AERegions...)
	if r.Controls.JPEG.GPS != nil {
		gps := *r.Controls.JPEG.GPS
		c.Controls.JPEG.GPS = &gps
	}
	if r.Controls.Vendor != nil {
		c.Controls.Vendor = make(map[VendorKey]int, len(r.Controls.Vendor))
		for k, v := range r.Controls.Vendor {
			c.Controls.Vendor[k] = v
		}
	}
	return &c
}

// HasTarget reports whether the request writes to a surface of kind k.
func (r *Request) HasTarget(k SurfaceKind) bool {
	for _, s := range r.Targets {
		if s.Kind == k {
			return true
		}
	}
	return false
}
