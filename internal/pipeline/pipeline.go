package pipeline

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"faceserve/internal/store"
	"faceserve/internal/vision"
)

// Validation errors surfaced to the uploader. The messages are part of the
// HTTP contract and returned verbatim in the 422 body.
var (
	ErrUnsupportedMediaType = errors.New("Invalid file format. Only JPEG and PNG are supported.")
	ErrInvalidImageData     = errors.New("Invalid image data.")
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Broadcaster is the completion fan-out. Satisfied by *hub.Hub.
type Broadcaster interface {
	Broadcast(text string)
}

type job struct {
	id  string
	url string
	img vision.Image
}

type metrics struct {
	uploads    atomic.Uint64
	processed  atomic.Uint64
	failures   atomic.Uint64
	broadcasts atomic.Uint64
}

// Service validates uploads synchronously, hands the decoded image to a
// background worker for detection and annotation, and notifies subscribers
// once the annotated artifact has been stored.
type Service struct {
	engine  vision.Engine
	store   *store.Store
	notify  Broadcaster
	jobs    chan job
	workers int
	metrics metrics
}

func New(engine vision.Engine, st *store.Store, notify Broadcaster, workers int) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		engine:  engine,
		store:   st,
		notify:  notify,
		jobs:    make(chan job, 128),
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// uploads still queued at that point are dropped, consistent with the
// fire-and-forget contract.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-s.jobs:
					s.process(j)
				}
			}
		}()
	}
}

// Submit validates and decodes an upload, schedules the background chain and
// returns the resource URL immediately. Processing has not necessarily
// started by the time Submit returns.
func (s *Service) Submit(data []byte, contentType, baseURL string) (string, error) {
	if !allowedTypes[contentType] {
		return "", ErrUnsupportedMediaType
	}

	img, err := s.engine.Decode(data)
	if err != nil {
		return "", ErrInvalidImageData
	}

	id := uuid.NewString()
	url := baseURL + "/" + id
	s.metrics.uploads.Add(1)
	s.jobs <- job{id: id, url: url, img: img}
	return url, nil
}

// Fetch returns the stored artifact. store.ErrNotFound while the background
// chain is still running is the documented eventual-consistency window;
// clients are expected to wait for the broadcast before fetching.
func (s *Service) Fetch(id string) ([]byte, error) {
	return s.store.Read(id)
}

// FetchMeta returns the stored detection results for an identifier.
func (s *Service) FetchMeta(id string) ([]byte, error) {
	return s.store.ReadMeta(id)
}

// Status reports cumulative pipeline counters.
func (s *Service) Status() map[string]any {
	return map[string]any{
		"uploads_total":    s.metrics.uploads.Load(),
		"processed_total":  s.metrics.processed.Load(),
		"failures_total":   s.metrics.failures.Load(),
		"broadcasts_total": s.metrics.broadcasts.Load(),
	}
}

// process runs one upload's chain: detect, annotate, encode, store, notify.
// Steps are strictly sequential; the store write completes before the
// broadcast fires. Failures are logged and contained.
func (s *Service) process(j job) {
	defer j.img.Close()

	faces, err := s.engine.Detect(j.img)
	if err != nil {
		s.fail(j.id, "detection failed", err)
		return
	}

	s.engine.Annotate(j.img, faces)

	data, err := s.engine.EncodeJPEG(j.img)
	if err != nil {
		s.fail(j.id, "encode failed", err)
		return
	}

	if err := s.store.Write(j.id, data); err != nil {
		s.fail(j.id, "artifact write failed", err)
		return
	}
	if err := s.store.WriteMeta(j.id, faces); err != nil {
		// The image itself made it to disk; keep going.
		log.Printf("image %s: metadata write failed: %v", j.id, err)
	}
	s.metrics.processed.Add(1)

	s.notify.Broadcast(j.url)
	s.metrics.broadcasts.Add(1)
}

func (s *Service) fail(id, stage string, err error) {
	s.metrics.failures.Add(1)
	log.Printf("image %s: %s: %v", id, stage, err)
}
