//go:build !linux

package main

import (
	"fmt"

	"dual-shutter/pkg/config"
	"dual-shutter/pkg/hal"
)

func newProvider(c config.CameraConfig) (hal.Provider, error) {
	if c.Backend == "v4l2" {
		return nil, fmt.Errorf("the v4l2 backend is only available on linux")
	}
	return simProvider(c), nil
}
