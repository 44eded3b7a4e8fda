package main

import (
	"context"
	"flag"
	"os"
	"time"

	"dual-shutter/pkg/camera"
	"dual-shutter/pkg/config"
	"dual-shutter/pkg/dispatch"
	"dual-shutter/pkg/hal/sim"
	"dual-shutter/pkg/registry"
	"dual-shutter/pkg/settings"
	"dual-shutter/pkg/storage"
	"dual-shutter/pkg/utils"
)

// Runs the capture module against the simulator in one main:
// 1) a single shot while previewing
// 2) touch focus, then a shot from the touched state
// 3) a long shot (single mode) or a clear-sight pair (dual mode)
// and saves everything under -dir.
func main() {
	dir := flag.String("dir", "./preview-test", "media directory")
	dual := flag.Bool("dual", false, "run the bayer/mono pair")
	n := flag.Int("n", 3, "loop count")
	shots := flag.Int("shots", 5, "long shot length")
	timeout := flag.Duration("timeout", 5*time.Second, "wait for each capture")
	flag.Parse()

	logger := utils.GetLogger()
	defer logger.Sync()

	p := sim.New(sim.Options{FrameInterval: 20 * time.Millisecond, Logger: logger})
	reg, err := registry.New(p, logger)
	if err != nil {
		logger.Fatal(err)
	}
	store, err := settings.New("", logger)
	if err != nil {
		logger.Fatal(err)
	}
	if *dual {
		if _, err := store.Set(settings.KeyClearSight, "true"); err != nil {
			logger.Fatal(err)
		}
	}
	stg, err := storage.New(*dir, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer stg.Close()

	done := make(chan dispatch.Summary, 4)
	cfg := config.Default()
	cfg.Camera.Dual = *dual
	ctl, err := camera.New(camera.Options{
		Provider: p,
		Registry: reg,
		Settings: store,
		Dispatch: dispatch.Options{
			Saver:      stg,
			MaxShots:   *shots,
			OnComplete: func(s dispatch.Summary) { done <- s },
		},
		Camera:  cfg.Camera,
		Capture: cfg.Capture,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal(err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		logger.Fatal(err)
	}
	defer ctl.Close()

	waitFor := func(what string, cond func() bool) {
		deadline := time.Now().Add(*timeout)
		for !cond() {
			if time.Now().After(deadline) {
				logger.Errorf("timed out waiting for %s", what)
				os.Exit(1)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	capture := func(what string, start func() error) {
		logger.Infof("%s...", what)
		if err := start(); err != nil {
			logger.Errorf("%s failed: %s", what, err)
			os.Exit(1)
		}
		select {
		case s := <-done:
			logger.Infof("%s: %s %d/%d images, title %s", what, s.Kind, s.Received, s.Expected, s.Title)
		case <-time.After(*timeout):
			logger.Errorf("%s never completed", what)
			os.Exit(1)
		}
		waitFor("preview", ctl.Idle)
	}

	waitFor("cameras", ctl.Ready)
	logger.Infof("running %v, dual %t", ctl.Slots(), ctl.Dual())

	for iter := 1; iter <= *n; iter++ {
		logger.Infof("===== loop %d =====", iter)

		capture("[1/3] shot while previewing", ctl.TakePicture)

		if err := ctl.TouchFocus(0.3, 0.6); err != nil {
			logger.Errorf("touch focus failed: %s", err)
			os.Exit(1)
		}
		logger.Infof("[2/3] touched, states %v", ctl.States())
		capture("[2/3] shot after touch", ctl.TakePicture)

		if ctl.Dual() {
			capture("[3/3] clear-sight pair", ctl.TakePicture)
		} else {
			capture("[3/3] long shot", ctl.StartLongShot)
		}

		// let the preview settle between loops
		time.Sleep(200 * time.Millisecond)
	}

	names, err := stg.ListImages()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("%d pictures in %s", len(names), *dir)
}
