// Package api is the HTTP surface of the camera service.
package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"dual-shutter/pkg/camera"
	"dual-shutter/pkg/capture"
	"dual-shutter/pkg/dispatch"
	"dual-shutter/pkg/hal"
	"dual-shutter/pkg/histogram"
	"dual-shutter/pkg/ov"
	"dual-shutter/pkg/registry"
	"dual-shutter/pkg/schedule"
	"dual-shutter/pkg/settings"
	"dual-shutter/pkg/storage"
	"dual-shutter/pkg/utils"
	"dual-shutter/pkg/utils/ps"
	"dual-shutter/pkg/webdav"
)

const (
	webDavStart    = "start"
	webDavShutdown = "shutdown"

	longShotStart = "start"
	longShotStop  = "stop"
)

// Camera is what the API drives; *camera.Controller implements it.
type Camera interface {
	TakePicture() error
	StartLongShot() error
	StopLongShot()
	TouchFocus(x, y float64) error
	SetZoom(zoom float64) error
	SetOrientation(deg int)

	Ready() bool
	Idle() bool
	Dual() bool
	Slots() []hal.SlotID
	States() map[hal.SlotID]capture.State
	Cameras() []registry.Camera
	Histogram() histogram.Snapshot
	Dispatcher() *dispatch.Dispatcher
}

type Options struct {
	Camera    Camera
	Settings  *settings.Store
	Storage   *storage.Service
	Webdav    *webdav.Webdav
	Scheduler *schedule.Scheduler
	Hub       *Hub
	// StaticsDir is served at / when set.
	StaticsDir string
	Logger     *zap.SugaredLogger
}

type Server struct {
	opts   Options
	logger *zap.SugaredLogger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	if s.opts.StaticsDir != "" {
		if err := registerStaticsDir(r, s.opts.StaticsDir, "/"); err != nil {
			return nil, err
		}
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")
	apiRouter.GET("/events", gin.WrapH(s.opts.Hub))

	cameraRouter := apiRouter.Group("/camera")
	cameraRouter.GET("", s.cameraStatus)
	cameraRouter.GET("/list", s.listCameras)
	cameraRouter.POST("/shutter", s.shutter)
	cameraRouter.PUT("/longshot", s.longShot)
	cameraRouter.POST("/touch", s.touch)
	cameraRouter.PUT("/zoom", s.zoom)
	cameraRouter.PUT("/orientation", s.orientation)
	cameraRouter.GET("/histogram", s.histogram)

	settingsRouter := apiRouter.Group("/settings")
	settingsRouter.GET("", s.getSettings)
	settingsRouter.PUT("", s.updateSettings)

	imagesRouter := apiRouter.Group("/images")
	imagesRouter.GET("", s.listImages)
	imagesRouter.GET("/latest", s.latestImage)
	imagesRouter.GET("/:name", s.getImage)

	deviceRouter := apiRouter.Group("/device")
	deviceRouter.GET("/info", s.deviceInfo)
	deviceRouter.PUT("/webdav", s.ctlWebdav)

	scheduleRouter := apiRouter.Group("/schedule")
	scheduleRouter.GET("", s.getSchedule)
	scheduleRouter.PUT("", s.startSchedule)
	scheduleRouter.DELETE("", s.stopSchedule)

	return r, nil
}

func (s *Server) cameraStatus(c *gin.Context) {
	cam := s.opts.Camera
	st := ov.CameraStatus{
		Ready:  cam.Ready(),
		Idle:   cam.Idle(),
		Dual:   cam.Dual(),
		States: make(map[string]string),
	}
	for _, slot := range cam.Slots() {
		st.Slots = append(st.Slots, slot.String())
	}
	for slot, state := range cam.States() {
		st.States[slot.String()] = string(state)
	}
	if d := cam.Dispatcher(); d != nil {
		st.LongShot = d.LongShotActive()
		st.Outstanding = d.Outstanding()
	}

	c.JSON(http.StatusOK, jsend.Success(st))
}

func (s *Server) listCameras(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(s.opts.Camera.Cameras()))
}

func (s *Server) shutter(c *gin.Context) {
	if err := s.opts.Camera.TakePicture(); err != nil {
		cameraErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(nil))
}

func (s *Server) longShot(c *gin.Context) {
	switch c.Query("op") {
	case longShotStart:
		if err := s.opts.Camera.StartLongShot(); err != nil {
			cameraErr(c, err)
			return
		}
	case longShotStop:
		s.opts.Camera.StopLongShot()
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(nil))
}

func (s *Server) touch(c *gin.Context) {
	var req ov.TouchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	if err := s.opts.Camera.TouchFocus(req.X, req.Y); err != nil {
		cameraErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(nil))
}

func (s *Server) zoom(c *gin.Context) {
	var req ov.ZoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	if err := s.opts.Camera.SetZoom(req.Zoom); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(req))
}

func (s *Server) orientation(c *gin.Context) {
	var req ov.OrientationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	s.opts.Camera.SetOrientation(req.Degrees)

	c.JSON(http.StatusOK, jsend.Success(nil))
}

func (s *Server) histogram(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(s.opts.Camera.Histogram()))
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(s.opts.Settings.All()))
}

// updateSettings applies the body as one batch; the response says which
// restart it caused.
func (s *Server) updateSettings(c *gin.Context) {
	values := make(map[string]string)
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	change, err := s.opts.Settings.Apply(values)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(gin.H{
		"keys":    change.Keys,
		"restart": change.Restart.String(),
	}))
}

func (s *Server) listImages(c *gin.Context) {
	names, err := s.opts.Storage.ListImages()
	if err != nil {
		internalErr(c, err)
		return
	}
	files := make([]ov.File, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(s.opts.Storage.ImagePath(name))
		if err != nil {
			continue
		}
		files = append(files, ov.File{
			Name:    name,
			Size:    humanize.Bytes(uint64(info.Size())),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })

	c.JSON(http.StatusOK, jsend.Success(files))
}

func (s *Server) latestImage(c *gin.Context) {
	name, err := s.opts.Storage.LatestImageName()
	if err != nil {
		internalErr(c, err)
		return
	}
	if name == "" {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("no picture taken yet"))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(name))
}

func (s *Server) getImage(c *gin.Context) {
	name := c.Param("name")
	data, err := s.opts.Storage.GetImage(name)
	if err != nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr(err.Error()))
		return
	}
	contentType := "image/jpeg"
	if strings.HasSuffix(name, storage.DefaultMpoExt) {
		contentType = "image/mpo"
	}

	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) deviceInfo(c *gin.Context) {
	cpu, err := ps.CPUStatus()
	if err != nil {
		internalErr(c, err)
		return
	}
	memory, err := ps.MemoryStatus()
	if err != nil {
		internalErr(c, err)
		return
	}
	disk, err := ps.DiskUsage(s.opts.Storage.Dir())
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(ov.DeviceInfo{
		CPUPercent:    cpu.Percent,
		MemoryTotal:   humanize.IBytes(memory.Total),
		MemoryFree:    humanize.IBytes(memory.Available),
		StorageTotal:  humanize.IBytes(disk.Total),
		StorageFree:   humanize.IBytes(disk.Free),
		StorageUsedPc: disk.UsedPercent,
	}))
}

func (s *Server) ctlWebdav(c *gin.Context) {
	if s.opts.Webdav == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("webdav is not configured"))
		return
	}
	switch c.Query("op") {
	case webDavStart:
		if s.opts.Webdav.Running() {
			c.JSON(http.StatusOK, jsend.Success("the webdav service is already enabled"))
			return
		}
		if err := s.opts.Webdav.Start(); err != nil {
			internalErr(c, err)
			return
		}
		c.JSON(http.StatusOK, jsend.Success(s.opts.Webdav.Addr()))
	case webDavShutdown:
		if !s.opts.Webdav.Running() {
			c.JSON(http.StatusOK, jsend.SimpleErr("the webdav service has been shut down"))
			return
		}
		s.opts.Webdav.Stop()
		c.JSON(http.StatusOK, jsend.Success(nil))
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func (s *Server) getSchedule(c *gin.Context) {
	if s.opts.Scheduler == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("scheduler is not configured"))
		return
	}
	c.JSON(http.StatusOK, jsend.Success(s.opts.Scheduler.Status()))
}

func (s *Server) startSchedule(c *gin.Context) {
	if s.opts.Scheduler == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("scheduler is not configured"))
		return
	}
	var req ov.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	var err error
	switch {
	case req.Cron != "":
		err = s.opts.Scheduler.BeginCron(req.Cron)
	case req.Interval != "":
		var d time.Duration
		d, err = time.ParseDuration(req.Interval)
		if err == nil {
			err = s.opts.Scheduler.Begin(d)
		}
	default:
		err = errors.New("interval or cron is required")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.opts.Scheduler.Status()))
}

func (s *Server) stopSchedule(c *gin.Context) {
	if s.opts.Scheduler == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("scheduler is not configured"))
		return
	}
	s.opts.Scheduler.Stop()
	c.JSON(http.StatusOK, jsend.Success(s.opts.Scheduler.Status()))
}

// cameraErr maps the capture module's refusals onto 409 and everything else
// onto 500.
func cameraErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrNotReady),
		errors.Is(err, camera.ErrBusy),
		errors.Is(err, camera.ErrDropped),
		errors.Is(err, camera.ErrLongShotDual),
		errors.Is(err, dispatch.ErrLongShotRunning):
		c.JSON(http.StatusConflict, jsend.SimpleErr(err.Error()))
	default:
		internalErr(c, err)
	}
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}

func registerStaticsDir(group gin.IRoutes, dir, relativeGroup string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("the specified directory %s does not exist", dir)
	}
	dir = filepath.ToSlash(filepath.Clean(dir))
	group.StaticFile(relativeGroup, filepath.Join(dir, "index.html"))
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			relativePath := path.Join(relativeGroup, strings.Replace(filepath.ToSlash(p), dir, "", 1))
			if relativePath != relativeGroup {
				group.StaticFile(relativePath, p)
			}
		}
		return nil
	})
}
