package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"dual-shutter/pkg/api"
	"dual-shutter/pkg/camera"
	"dual-shutter/pkg/clock"
	"dual-shutter/pkg/config"
	"dual-shutter/pkg/dispatch"
	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/hal/sim"
	"dual-shutter/pkg/registry"
	"dual-shutter/pkg/schedule"
	"dual-shutter/pkg/settings"
	"dual-shutter/pkg/storage"
	"dual-shutter/pkg/utils"
	"dual-shutter/pkg/utils/ps"
	"dual-shutter/pkg/webdav"
)

const ntpInterval = time.Hour

var (
	configPath = flag.String("config", "./dual-shutter.toml", "config file")
	staticsDir = flag.String("statics", "", "ui directory served at /")

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
	flag.Parse()
}

func main() {
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err)
	}
	if err := utils.SetLevel(cfg.Log.Level); err != nil {
		logger.Warnf("invalid log level %q: %s", cfg.Log.Level, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := newProvider(cfg.Camera)
	if err != nil {
		logger.Fatal(err)
	}
	reg, err := registry.New(provider, logger)
	if err != nil {
		logger.Fatal(err)
	}

	// init storage
	stg, err := storage.New(cfg.Storage.Dir, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer stg.Close()

	settingsPath := filepath.Join(cfg.Storage.Dir, cfg.Storage.SettingsFile)
	_, statErr := os.Stat(settingsPath)
	store, err := settings.New(settingsPath, logger)
	if err != nil {
		logger.Fatal(err)
	}
	// the configured slot only seeds a fresh settings file
	if os.IsNotExist(statErr) && cfg.Camera.Slot != "" {
		if _, err := store.Set(settings.KeyCameraID, cfg.Camera.Slot); err != nil {
			logger.Fatal(err)
		}
	}

	clk := clock.New(cfg.Clock.NTPServer, logger)
	go clk.Run(ctx, ntpInterval)

	hub := api.NewHub(logger)
	defer hub.Close()

	ctl, err := camera.New(camera.Options{
		Provider: provider,
		Registry: reg,
		Settings: store,
		Dispatch: dispatch.Options{
			Saver:          stg,
			Monitor:        ps.NewMonitor(cfg.Storage.Dir),
			MinFreeMemory:  cfg.LongShot.MinFreeMemory(),
			MinFreeStorage: cfg.LongShot.MinFreeStorage(),
			BufferSize:     cfg.LongShot.BufferSize(),
			MaxShots:       cfg.LongShot.MaxShots,
			Clip:           cfg.LongShot.Clip,
			ClipFPS:        cfg.LongShot.ClipFPS,
			Now:            clk.Now,
			OnComplete:     hub.Captured,
		},
		Notifier:  hub,
		Locations: camera.NewFixedLocation(cfg.Location),
		Camera:    cfg.Camera,
		Capture:   cfg.Capture,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal(err)
	}
	if err := ctl.Start(ctx); err != nil {
		// the UI still comes up and shows the failure
		logger.Errorf("camera start: %s", err)
	}
	defer ctl.Close()

	sched := schedule.New(ctx, ctl)
	switch {
	case cfg.Schedule.Cron != "":
		err = sched.BeginCron(cfg.Schedule.Cron)
	case cfg.Schedule.IntervalMs > 0:
		err = sched.Begin(cfg.Schedule.Interval())
	}
	if err != nil {
		logger.Errorf("schedule: %s", err)
	}

	dav := webdav.New(ctx, cfg.Server.WebdavPort, cfg.Storage.Dir, logger)
	defer dav.Stop()

	srv := api.New(api.Options{
		Camera:     ctl,
		Settings:   store,
		Storage:    stg,
		Webdav:     dav,
		Scheduler:  sched,
		Hub:        hub,
		StaticsDir: *staticsDir,
		Logger:     logger,
	})
	r, err := srv.Router()
	if err != nil {
		logger.Fatal(err)
	}

	if err := utils.ListenAndServe(r, cfg.Server.Port); err != nil {
		logger.Error(err)
	}
}

func simProvider(c config.CameraConfig) hal.Provider {
	interval := 33 * time.Millisecond
	if c.FPS > 0 {
		interval = time.Second / time.Duration(c.FPS)
	}
	return sim.New(sim.Options{FrameInterval: interval, Logger: logger})
}
