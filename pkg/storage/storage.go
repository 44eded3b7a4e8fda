// Package storage is the media save service: images, raw frames and
// combined dual captures are written asynchronously below one directory.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"dual-shutter/pkg/utils"
)

var ErrClosed = errors.New("storage closed")

type job struct {
	kind  Kind
	img   Image
	aux   *Image
	done  Done
	queue time.Time
}

type Service struct {
	dir    string
	logger *zap.SugaredLogger

	// guards the index file
	mu sync.Mutex

	jobsMu sync.Mutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

// New prepares dir and starts the save goroutine.
func New(dir string, logger *zap.SugaredLogger) (*Service, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage path can not be empty")
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	s := &Service{
		dir:    dir,
		logger: logger,
		jobs:   make(chan job, 64),
	}
	if err := mkdirAll(s.imageDir(), s.rawDir(), s.videoDir()); err != nil {
		return nil, err
	}
	if err := s.checkInitInfo(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Close waits for queued saves to finish.
func (s *Service) Close() error {
	s.jobsMu.Lock()
	if s.closed {
		s.jobsMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.jobsMu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Service) Dir() string { return s.dir }

// AddImage queues a JPEG.
func (s *Service) AddImage(img Image, done Done) {
	s.enqueue(job{kind: KindImage, img: img, done: done})
}

// AddRawImage queues a raw sensor frame.
func (s *Service) AddRawImage(img Image, done Done) {
	s.enqueue(job{kind: KindRaw, img: img, done: done})
}

// AddMpoImage queues the combined file of a bayer/mono pair.
func (s *Service) AddMpoImage(bayer, mono Image, done Done) {
	s.enqueue(job{kind: KindMpo, img: bayer, aux: &mono, done: done})
}

func (s *Service) enqueue(j job) {
	j.queue = time.Now()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if s.closed {
		if j.done != nil {
			j.done(Item{Name: j.img.Title, Kind: j.kind}, ErrClosed)
		}
		return
	}
	s.jobs <- j
}

func (s *Service) run() {
	defer s.wg.Done()
	for j := range s.jobs {
		item, err := s.save(j)
		if err != nil {
			s.logger.Errorf("storage: save %s %s: %v", j.kind, j.img.Title, err)
		} else {
			s.logger.Debugf("storage: saved %s (%d bytes) in %s", item.Name, item.Size, time.Since(j.queue))
		}
		if j.done != nil {
			j.done(item, err)
		}
	}
}

func (s *Service) save(j job) (Item, error) {
	img := j.img
	item := Item{
		Kind:        j.kind,
		Width:       img.Width,
		Height:      img.Height,
		Orientation: img.Orientation,
		Location:    img.Location,
		Timestamp:   img.Timestamp,
	}
	if img.Title == "" {
		return item, fmt.Errorf("image title can not be empty")
	}

	var (
		data []byte
		dst  string
	)
	switch j.kind {
	case KindRaw:
		item.Name = img.Title + DefaultRawExt
		dst = path.Join(s.rawDir(), item.Name)
		data = img.Data
	case KindMpo:
		item.Name = img.Title + DefaultMpoExt
		dst = path.Join(s.imageDir(), item.Name)
		data = joinMpo(img.Data, j.aux.Data)
	default:
		item.Name = img.Title + DefaultImageExt
		dst = path.Join(s.imageDir(), item.Name)
		data = img.Data
	}
	item.Size = len(data)

	if err := os.WriteFile(dst, data, DefaultFilePerm); err != nil {
		return item, err
	}
	if !img.Timestamp.IsZero() {
		// keep the capture time on the file for webdav listings
		_ = os.Chtimes(dst, img.Timestamp, img.Timestamp)
	}
	if j.kind == KindImage {
		if err := s.updateInfo(item.Name); err != nil {
			return item, err
		}
	}

	return item, nil
}

// joinMpo concatenates the two JPEG streams of a pair.
func joinMpo(first, second []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(first) + len(second))
	buf.Write(first)
	buf.Write(second)
	return buf.Bytes()
}

func (s *Service) updateInfo(latest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.loadImageInfo()
	if err != nil {
		return err
	}
	info.MaxNumber++
	info.LatestImage = latest

	return s.dumpImageInfo(info)
}

// Info returns the index of saved images.
func (s *Service) Info() (*ImagesInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadImageInfo()
}

func (s *Service) LatestImageName() (string, error) {
	info, err := s.Info()
	if err != nil {
		return "", err
	}

	return info.LatestImage, nil
}

func (s *Service) LatestImage() ([]byte, error) {
	name, err := s.LatestImageName()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("no picture taken yet")
	}

	return s.GetImage(name)
}

func (s *Service) GetImage(name string) ([]byte, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid picture name %q", name)
	}
	file, err := os.ReadFile(s.ImagePath(name))
	if err != nil {
		return nil, fmt.Errorf("picture not found, %w", err)
	}

	return file, nil
}

// ListImages returns the names of saved JPEG and MPO files.
func (s *Service) ListImages() ([]string, error) {
	files, err := os.ReadDir(s.imageDir())
	if err != nil {
		return nil, err
	}
	var res []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if !strings.HasSuffix(file.Name(), DefaultImageExt) && !strings.HasSuffix(file.Name(), DefaultMpoExt) {
			continue
		}
		res = append(res, file.Name())
	}

	return res, nil
}

func (s *Service) ImagePath(name string) string {
	return path.Join(s.imageDir(), name)
}

func (s *Service) VideoPath(name string) string {
	return path.Join(s.videoDir(), name)
}

func (s *Service) loadImageInfo() (*ImagesInfo, error) {
	data, err := os.ReadFile(s.getImageInfoPath())
	if err != nil {
		return nil, fmt.Errorf("read image info err: %w", err)
	}
	info := &ImagesInfo{}
	if err = json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("unmarshal image info err: %w", err)
	}

	return info, nil
}

func (s *Service) dumpImageInfo(info *ImagesInfo) error {
	info.UpdateAt = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return os.WriteFile(s.getImageInfoPath(), data, DefaultFilePerm)
}

func (s *Service) checkInitInfo() error {
	_, err := os.Stat(s.getImageInfoPath())
	if os.IsNotExist(err) {
		return s.dumpImageInfo(&ImagesInfo{})
	}

	return err
}

func (s *Service) getImageInfoPath() string {
	return path.Join(s.dir, DefaultImagesDir, DefaultInfoFile)
}

func (s *Service) imageDir() string {
	return path.Join(s.dir, DefaultImagesDir)
}

func (s *Service) rawDir() string {
	return path.Join(s.dir, DefaultRawDir)
}

func (s *Service) videoDir() string {
	return path.Join(s.dir, DefaultVideosDir)
}

func mkdirAll(dirs ...string) error {
	for _, d := range dirs {
		err := os.MkdirAll(d, DefaultDirPerm)
		if err != nil {
			return err
		}
	}
	return nil
}
