package embeddings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("embedding service is closed")

// Result represents the result of embedding one frame
type Result struct {
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	ctx    context.Context
	Image  image.Image
	Result chan<- Result
}

// SessionFactory creates one model session; the service calls it once per worker.
type SessionFactory func() (Session, error)

// Service runs the embedding model on a pool of workers, each owning its own
// session so no session is evaluated concurrently.
type Service struct {
	numWorkers int
	dimension  int
	pre        Preprocessor
	logger     *slog.Logger

	mu        sync.RWMutex // guards closed against sends on workQueue
	closed    bool
	workQueue chan Work
	sessions  []Session
	wg        sync.WaitGroup
}

// NewService creates a new embedding service with the specified number of workers
func NewService(numWorkers int, newSession SessionFactory, pre Preprocessor, dimension int, logger *slog.Logger) (*Service, error) {
	if numWorkers <= 0 {
		numWorkers = 4 // Default to 4 workers if not specified
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	if err := pre.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessions := make([]Session, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		sess, err := newSession()
		if err != nil {
			for _, s := range sessions {
				_ = s.Close()
			}
			return nil, fmt.Errorf("failed to create session %d: %w", i, err)
		}
		sessions = append(sessions, sess)
	}

	service := &Service{
		numWorkers: numWorkers,
		dimension:  dimension,
		pre:        pre,
		logger:     logger,
		workQueue:  make(chan Work, numWorkers*2),
		sessions:   sessions,
	}

	// Start embedding workers
	service.startWorkers()

	return service, nil
}

// startWorkers starts one goroutine per session
func (s *Service) startWorkers() {
	for i, sess := range s.sessions {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			tensor := make([]float32, s.pre.TensorLen())
			for work := range s.workQueue {
				if err := work.ctx.Err(); err != nil {
					work.Result <- Result{Error: err}
					continue
				}
				embedding, err := s.embed(sess, tensor, work.Image)
				if err != nil {
					s.logger.Debug("frame embedding failed", "worker", i, "error", err)
				}
				work.Result <- Result{Embedding: embedding, Error: err}
			}
		}()
	}
}

func (s *Service) embed(sess Session, tensor []float32, img image.Image) ([]float32, error) {
	if err := s.pre.Tensor(img, tensor); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	vec, err := sess.Run(tensor)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("model returned %d values, expected %d", len(vec), s.dimension)
	}
	return vec, nil
}

// GetEmbedding queues a frame and returns a channel that receives exactly one
// Result. It blocks while the queue is full, up to ctx.
func (s *Service) GetEmbedding(ctx context.Context, img image.Image) <-chan Result {
	resultChan := make(chan Result, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Error: ErrClosed}
		return resultChan
	}

	select {
	case s.workQueue <- Work{ctx: ctx, Image: img, Result: resultChan}:
	case <-ctx.Done():
		resultChan <- Result{Error: ctx.Err()}
	}
	return resultChan
}

// Embed computes the embedding of one frame
func (s *Service) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, img):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dimension returns the length of every vector the service produces
func (s *Service) Dimension() int {
	return s.dimension
}

// Close shuts down the embedding service, waits for all workers to finish
// and releases their sessions.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.workQueue)
	s.mu.Unlock()

	s.wg.Wait() // Wait for all workers to finish

	var errs []error
	for _, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
