// Package schedule presses the shutter on a fixed interval or a cron spec.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dual-shutter/pkg/utils"
)

// Shutter takes one picture and returns once the request is accepted.
type Shutter interface {
	TakePicture() error
}

type Status struct {
	Running  bool      `json:"running"`
	Interval string    `json:"interval,omitempty"`
	Cron     string    `json:"cron,omitempty"`
	Shots    int       `json:"shots"`
	Failures int       `json:"failures"`
	LastShot time.Time `json:"lastShot"`
}

type Scheduler struct {
	t       *time.Ticker
	cron    *cron.Cron
	entry   cron.EntryID
	shutter Shutter
	lock    sync.Mutex
	status  Status
	logger  *zap.SugaredLogger
}

func New(ctx context.Context, shutter Shutter) *Scheduler {
	t := time.NewTicker(time.Second)
	t.Stop()

	s := &Scheduler{
		t:       t,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		shutter: shutter,
		logger:  utils.GetLogger(),
	}
	s.cron.Start()
	s.startDeal(ctx)

	return s
}

// Begin shoots every interval.
func (s *Scheduler) Begin(interval time.Duration) error {
	if interval < 100*time.Millisecond {
		return fmt.Errorf("interval %s too short", interval)
	}
	s.Stop()
	s.lock.Lock()
	s.status = Status{Running: true, Interval: interval.String()}
	s.lock.Unlock()
	s.t.Reset(interval)
	s.logger.Infof("scheduler: shooting every %s", interval)

	return nil
}

// BeginCron shoots on a standard five-field cron spec.
func (s *Scheduler) BeginCron(spec string) error {
	s.Stop()
	id, err := s.cron.AddFunc(spec, s.shoot)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	s.lock.Lock()
	s.entry = id
	s.status = Status{Running: true, Cron: spec}
	s.lock.Unlock()
	s.logger.Infof("scheduler: shooting on %q", spec)

	return nil
}

func (s *Scheduler) Stop() {
	s.t.Stop()
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	if s.status.Running {
		s.logger.Info("scheduler: stopped")
	}
	s.status.Running = false
}

func (s *Scheduler) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

func (s *Scheduler) shoot() {
	start := time.Now()
	err := s.shutter.TakePicture()

	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.status.Running {
		return
	}
	if err != nil {
		s.status.Failures++
		s.logger.Errorf("scheduler: shutter err: %s", err)
		return
	}
	s.status.Shots++
	s.status.LastShot = start
	s.logger.Debugf("scheduler: shutter accepted in %s", time.Since(start))
}

func (s *Scheduler) startDeal(ctx context.Context) {
	go func(s *Scheduler) {
		for {
			select {
			case <-s.t.C:
				s.shoot()
			case <-ctx.Done():
				s.Stop()
				<-s.cron.Stop().Done()
				s.logger.Info("scheduler: exited")
				return
			}
		}
	}(s)
}
