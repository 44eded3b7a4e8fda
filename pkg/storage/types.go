package storage

import (
	"time"

	"dual-shutter/pkg/hal"
)

const (
	DefaultImagesDir = "images"
	DefaultRawDir    = "raw"
	DefaultVideosDir = "videos"
	DefaultInfoFile  = "info.json"

	DefaultImageExt = ".jpg"
	DefaultRawExt   = ".raw"
	DefaultMpoExt   = ".mpo"
	DefaultVideoExt = ".avi"

	DefaultFilePerm = 0660
	DefaultDirPerm  = 0750
)

// Image is one encoded picture handed to the save service.
type Image struct {
	Data        []byte
	Title       string
	Timestamp   time.Time
	Location    *hal.Location
	Width       int
	Height      int
	Orientation int
	Format      hal.Format
}

type Kind string

const (
	KindImage Kind = "image"
	KindRaw   Kind = "raw"
	KindMpo   Kind = "mpo"
)

// Item describes a saved file.
type Item struct {
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	Size        int           `json:"size"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Orientation int           `json:"orientation"`
	Location    *hal.Location `json:"location,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Done is called once a save finished, on the save goroutine.
type Done func(item Item, err error)

type ImagesInfo struct {
	MaxNumber   int    `json:"maxNumber"`
	LatestImage string `json:"latestImage"`

	UpdateAt time.Time `json:"updateAt"`
}
