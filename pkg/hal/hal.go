// Package hal describes the camera hardware layer the capture core drives.
//
// Everything the hardware reports back arrives as a typed value on one of the
// channels in Callbacks. A provider must deliver the results of one slot in the
// order their requests were submitted.
package hal

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCameraInUse  = errors.New("camera in use")
	ErrDisconnected = errors.New("camera disconnected")
	ErrClosed       = errors.New("session closed")
)

// SlotID is the stable role of one physical camera.
type SlotID int

const (
	SlotPrimary SlotID = iota
	SlotSecondary
	SlotFront
	SlotLogical

	MaxSlots = 4
)

func (s SlotID) String() string {
	switch s {
	case SlotPrimary:
		return "primary"
	case SlotSecondary:
		return "secondary"
	case SlotFront:
		return "front"
	case SlotLogical:
		return "logical"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Valid reports whether s names one of the MaxSlots slots.
func (s SlotID) Valid() bool {
	return s >= 0 && s < MaxSlots
}

// ParseSlot maps a role name back to its SlotID.
func ParseSlot(name string) (SlotID, error) {
	for s := SlotID(0); s < MaxSlots; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown camera slot %q", name)
}

// Token correlates an asynchronous result with the request that produced it.
// Zero means "no token".
type Token uint64

type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

// Info identifies one camera as reported by the provider.
type Info struct {
	ID      string `json:"id"`
	Facing  Facing `json:"facing"`
	Mono    bool   `json:"mono"`
	Logical bool   `json:"logical"`
}

type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// MeteringRect is an AF/AE region with its weight. Weight 0 disables the region.
type MeteringRect struct {
	Rect
	Weight int `json:"weight"`
}

type Format int

const (
	FormatJPEG Format = iota
	FormatYUV
	FormatRaw
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatYUV:
		return "yuv"
	case FormatRaw:
		return "raw"
	}
	return "unknown"
}

type StreamConfig struct {
	Format Format `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Capabilities are the static properties of one camera.
type Capabilities struct {
	SupportsAFRegions bool           `json:"supportsAfRegions"`
	SupportsAERegions bool           `json:"supportsAeRegions"`
	SupportsFlash     bool           `json:"supportsFlash"`
	HasAutoFocus      bool           `json:"hasAutoFocus"`
	ActiveArray       Rect           `json:"activeArray"`
	StreamConfigs     []StreamConfig `json:"streamConfigs"`
}

// Largest returns the biggest stream configuration of format f.
func (c Capabilities) Largest(f Format) (StreamConfig, bool) {
	var (
		best  StreamConfig
		found bool
	)
	for _, sc := range c.StreamConfigs {
		if sc.Format != f {
			continue
		}
		if !found || sc.Width*sc.Height > best.Width*best.Height {
			best, found = sc, true
		}
	}
	return best, found
}

type SurfaceKind int

const (
	SurfacePreview SurfaceKind = iota
	SurfaceStill
	SurfaceRaw
	SurfaceVideo
)

// Surface is an output target of a capture session.
type Surface struct {
	Name   string      `json:"name"`
	Kind   SurfaceKind `json:"kind"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
}

type DeviceEventKind int

const (
	DeviceOpened DeviceEventKind = iota
	DeviceDisconnected
	DeviceError
	DeviceClosed
)

func (k DeviceEventKind) String() string {
	switch k {
	case DeviceOpened:
		return "opened"
	case DeviceDisconnected:
		return "disconnected"
	case DeviceError:
		return "error"
	case DeviceClosed:
		return "closed"
	}
	return "unknown"
}

type DeviceEvent struct {
	Slot   SlotID
	Kind   DeviceEventKind
	Device Device
	Err    error
}

type SessionEventKind int

const (
	SessionConfigured SessionEventKind = iota
	SessionConfigureFailed
	SessionClosed
)

type SessionEvent struct {
	Slot    SlotID
	Kind    SessionEventKind
	Session Session
	Err     error
}

type ResultKind int

const (
	// ResultPartial carries early 3A state for a request.
	ResultPartial ResultKind = iota
	// ResultCompleted is the final metadata of a request.
	ResultCompleted
	// ResultFailed reports a request the hardware dropped.
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultPartial:
		return "partial"
	case ResultCompleted:
		return "completed"
	case ResultFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the metadata the hardware reports for one request.
type Result struct {
	Slot      SlotID
	Kind      ResultKind
	Token     Token
	Class     RequestClass
	AF        AFState
	AE        AEState
	Faces     int
	Histogram []int
	Timestamp time.Time
}

// Image is one decoded output buffer.
type Image struct {
	Slot      SlotID
	Token     Token
	Format    Format
	Width     int
	Height    int
	Data      []byte
	Timestamp time.Time
}

// Callbacks are the channels a provider delivers hardware events on.
type Callbacks struct {
	Device  chan<- DeviceEvent
	Session chan<- SessionEvent
	Results chan<- Result
	Images  chan<- Image
}

// Provider enumerates and opens cameras.
type Provider interface {
	Enumerate() ([]Info, error)
	Capabilities(id string) (Capabilities, error)
	// Open starts opening camera id for slot. The outcome is reported as a
	// DeviceEvent; a non-nil error means no event will follow.
	Open(slot SlotID, id string, cb Callbacks) error
}

// Device is an open camera.
type Device interface {
	Slot() SlotID
	// CreateSession configures the outputs. The outcome is reported as a
	// SessionEvent.
	CreateSession(outputs []Surface, zsl bool) error
	// Close releases the camera. DeviceClosed follows.
	Close() error
}

// Session submits requests to a configured device.
type Session interface {
	Capture(req *Request) error
	CaptureBurst(reqs []*Request) error
	SetRepeatingRequest(req *Request) error
	StopRepeating() error
	AbortCaptures() error
	Close() error
}
