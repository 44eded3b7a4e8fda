//go:build linux

package main

import (
	"dual-shutter/pkg/config"
	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/hal/v4l2"
)

func newProvider(c config.CameraConfig) (hal.Provider, error) {
	if c.Backend == "v4l2" {
		return v4l2.New(c.Devices, logger), nil
	}
	return simProvider(c), nil
}
