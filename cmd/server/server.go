package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/analysis"
	"github.com/Brownie44l1/lesion-api/internal/config"
	"github.com/Brownie44l1/lesion-api/internal/gradcam"
	"github.com/Brownie44l1/lesion-api/internal/handlers"
	"github.com/Brownie44l1/lesion-api/internal/hooks"
	"github.com/Brownie44l1/lesion-api/internal/inference"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/overlay"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
	"github.com/Brownie44l1/lesion-api/internal/storage"
	"github.com/cyclopcam/logs"
)

type Server struct {
	Log        logs.Log
	cfg        *config.Config
	net        *model.Network
	capture    *hooks.Capture
	handler    *handlers.Handler
	httpServer *http.Server
	signalIn   chan os.Signal
	closed     chan struct{}
}

// NewServer loads the model and instruments it. The server refuses to start
// if the model has no layer that Grad-CAM can use.
func NewServer(cfg *config.Config) (*Server, error) {
	log, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	s := &Server{
		Log:    log,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		log.Errorf("%v", err)
		log.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) load() error {
	net, meta, err := model.LoadNetwork(s.Log, s.cfg.ModelDir, s.cfg.ORTLib)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if meta.ImageSize != preprocess.InputSize {
		net.Close()
		return fmt.Errorf("model expects %vx%v input, but images are prepared at %vx%v", meta.ImageSize, meta.ImageSize, preprocess.InputSize, preprocess.InputSize)
	}
	capture, err := hooks.Attach(s.Log, net)
	if err != nil {
		net.Close()
		return err
	}
	s.net = net
	s.capture = capture

	st := storage.NewClient(s.Log, s.cfg.StorageURL, s.cfg.StorageTimeout)
	if !st.Enabled() {
		s.Log.Warnf("No storage service configured. Predictions will not be persisted")
	}
	pipeline := &analysis.Pipeline{
		Log:          s.Log,
		Inference:    inference.NewEngine(meta.Classes),
		Saliency:     gradcam.NewEngine(capture),
		Renderer:     overlay.NewRenderer(preprocess.InputSize),
		Storage:      st,
		ModelVersion: meta.ModelVersion,
		UserID:       s.cfg.UserID,
		Timeout:      s.cfg.RequestTimeout,
	}
	s.handler = handlers.NewHandler(s.Log, pipeline, handlers.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
		RateLimit:      s.cfg.RateLimit,
	})
	s.Log.Infof("Model %v ready. Classes: %v. Grad-CAM layer: %v", meta.ModelVersion, meta.Classes, capture.Layer())
	return nil
}

func (s *Server) ListenHTTP() error {
	addr := s.cfg.Addr()
	s.Log.Infof("Listening on %v", addr)
	s.Log.Infof("Endpoints: POST /analyze/, POST /gradcam/, GET /health")
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.handler.Router(),
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-s.signalIn
		s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
		s.Shutdown()
	}()
}

// Shutdown stops accepting requests, then removes the hooks and releases the model
func (s *Server) Shutdown() {
	signal.Stop(s.signalIn)
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.Log.Warnf("HTTP server shutdown: %v", err)
		}
	}
	// Waits for a classification that is still running, including ones whose requests timed out
	s.Log.Infof("Detaching hooks")
	s.capture.Detach()
	s.net.Close()
	model.DestroyRuntime()
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
	close(s.closed)
}
