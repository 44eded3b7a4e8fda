// Package ov holds the request and response bodies of the HTTP API.
package ov

import (
	"time"
)

type TouchRequest struct {
	X float64 `json:"x" binding:"min=0,max=1"`
	Y float64 `json:"y" binding:"min=0,max=1"`
}

type ZoomRequest struct {
	Zoom float64 `json:"zoom" binding:"required,min=1,max=8"`
}

type OrientationRequest struct {
	Degrees int `json:"degrees"`
}

// ScheduleRequest starts the interval shutter. Cron wins over Interval.
type ScheduleRequest struct {
	Interval string `json:"interval"`
	Cron     string `json:"cron"`
}

type CameraStatus struct {
	Ready       bool              `json:"ready"`
	Idle        bool              `json:"idle"`
	Dual        bool              `json:"dual"`
	Slots       []string          `json:"slots"`
	States      map[string]string `json:"states"`
	LongShot    bool              `json:"longShot"`
	Outstanding int               `json:"outstanding"`
}

type File struct {
	Name    string    `json:"name"`
	Size    string    `json:"size"`
	ModTime time.Time `json:"modTime"`
}

type DeviceInfo struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryTotal   string  `json:"memoryTotal"`
	MemoryFree    string  `json:"memoryAvailable"`
	StorageTotal  string  `json:"storageTotal"`
	StorageFree   string  `json:"storageFree"`
	StorageUsedPc float64 `json:"storageUsedPercent"`
}

const (
	EventWarn     = "warn"
	EventFatal    = "fatal"
	EventShutter  = "shutter"
	EventFaces    = "faces"
	EventCaptured = "captured"
)

// Event is one message on the /api/events stream.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Slot    string `json:"slot,omitempty"`
	Faces   int    `json:"faces,omitempty"`
	Data    any    `json:"data,omitempty"`
}
