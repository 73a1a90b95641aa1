package holdtestrig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.viam.com/rdk/logging"
)

// feedServer serves the live MJPEG preview and run media over HTTP.
type feedServer struct {
	camera *CameraManager
	runs   *runRegistry
	logger logging.Logger
	engine *gin.Engine

	srvMu  sync.Mutex
	server *http.Server

	mu       sync.Mutex
	previews map[uint64]context.CancelFunc
	nextID   uint64
}

func newFeedServer(camera *CameraManager, runs *runRegistry, logger logging.Logger) *feedServer {
	s := &feedServer{
		camera:   camera,
		runs:     runs,
		logger:   logger,
		engine:   gin.New(),
		previews: make(map[uint64]context.CancelFunc),
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/camera/feed", s.handleFeed)
	s.engine.POST("/camera/release", s.handleRelease)
	s.engine.GET("/videos/:filename", s.handleVideo)
	s.engine.GET("/runs/:id/video", s.handleRunVideo)
	s.engine.GET("/runs/:id/package", s.handleRunPackage)
	return s
}

// Start listens on port and serves in the background.
func (s *feedServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listening for feed server: %w", err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.server = srv
	s.srvMu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("feed server stopped: %v", err)
		}
	}()
	s.logger.Infof("feed server listening on %s", ln.Addr())
	return nil
}

// Close ends every preview stream and shuts the server down.
func (s *feedServer) Close(ctx context.Context) error {
	s.releasePreviews()
	s.srvMu.Lock()
	srv := s.server
	s.server = nil
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down feed server: %w", err)
	}
	return nil
}

func (s *feedServer) addPreview(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.previews[s.nextID] = cancel
	return s.nextID
}

func (s *feedServer) removePreview(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.previews, id)
}

// releasePreviews ends all preview streams, dropping their camera leases. A recording
// keeps its own lease and is unaffected.
func (s *feedServer) releasePreviews() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.previews)
	for id, cancel := range s.previews {
		cancel()
		delete(s.previews, id)
	}
	return n
}

func (s *feedServer) handleFeed(c *gin.Context) {
	lease, err := s.camera.Acquire(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": err.Error()})
		return
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	id := s.addPreview(cancel)
	defer s.removePreview(id)

	frames, err := s.camera.StreamLiveFrames(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": err.Error()})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	w := c.Writer
	for data := range frames {
		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		w.Flush()
	}
}

func (s *feedServer) handleRelease(c *gin.Context) {
	n := s.releasePreviews()
	c.JSON(http.StatusOK, gin.H{"status": "Camera feed stopped.", "released": n})
}

func (s *feedServer) handleVideo(c *gin.Context) {
	path := s.runs.store.mediaPath(c.Param("filename"))
	if filepath.Ext(path) != deliverableExt {
		c.JSON(http.StatusNotFound, gin.H{"status": "Video file not found"})
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "Video file not found"})
		return
	}
	c.File(path)
}

func (s *feedServer) handleRunVideo(c *gin.Context) {
	id, ok := runIDParam(c)
	if !ok {
		return
	}
	path, err := s.runs.MediaPath(id)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"status": err.Error()})
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "Video file not found"})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (s *feedServer) handleRunPackage(c *gin.Context) {
	id, ok := runIDParam(c)
	if !ok {
		return
	}
	rec, err := s.runs.GetRun(id)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"status": err.Error()})
		return
	}
	path, err := buildRunPackage(s.runs.store.dir, rec)
	if err != nil {
		s.logger.Errorf("building package for run %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": err.Error()})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func runIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "invalid run id"})
		return 0, false
	}
	return id, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrNoMedia):
		return http.StatusNotFound
	case errors.Is(err, ErrRunConflict), errors.Is(err, ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRun):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
