package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/analysis"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

const serviceName = "skin-disease-model-api"

// Form fields that may carry the uploaded image, in order of preference
var uploadFields = []string{"file", "image"}

type Options struct {
	AllowedOrigins []string // "*" allows any origin
	MaxUploadBytes int64
	RateLimit      int // Requests per minute per IP on the analysis endpoints. Zero is unlimited.
}

type Handler struct {
	log      logs.Log
	pipeline *analysis.Pipeline
	opt      Options
}

func NewHandler(log logs.Log, pipeline *analysis.Pipeline, opt Options) *Handler {
	if opt.MaxUploadBytes <= 0 {
		opt.MaxUploadBytes = 10 * 1024 * 1024
	}
	return &Handler{
		log:      log,
		pipeline: pipeline,
		opt:      opt,
	}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Router returns the full HTTP surface, with CORS applied to every response
func (h *Handler) Router() http.Handler {
	router := httprouter.New()

	analysisRoute := func(method, route string, handle func(w http.ResponseWriter, r *http.Request)) {
		if h.opt.RateLimit <= 0 {
			www.Handle(h.log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
				handle(w, r)
			})
			return
		}
		limited := httprate.Limit(h.opt.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(h.log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	analysisRoute("POST", "/analyze/", h.Analyze)
	analysisRoute("POST", "/gradcam/", h.Gradcam)
	www.Handle(h.log, router, "GET", "/health", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		h.Health(w, r)
	})

	// Preflight requests are answered by the CORS layer, and anything else gets a 204
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return h.cors(router)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	www.SendJSON(w, &healthResponse{Status: "healthy", Service: serviceName})
}

// Analyze classifies the uploaded image, and returns the prediction together with
// the base64 encoded Grad-CAM overlay
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	filename, data, err := h.readUpload(w, r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	resp, err := h.pipeline.Analyze(r.Context(), filename, data)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	www.SendJSON(w, resp)
}

// Gradcam returns only the overlay, as a JPEG
func (h *Handler) Gradcam(w http.ResponseWriter, r *http.Request) {
	_, data, err := h.readUpload(w, r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	ex, err := h.pipeline.Explain(r.Context(), data)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%v", len(ex.Overlay)))
	w.Write(ex.Overlay)
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opt.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opt.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", nil, fmt.Errorf("upload exceeds %v bytes", tooBig.Limit)
		}
		return "", nil, fmt.Errorf("expected a multipart form upload: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	var file multipart.File
	var header *multipart.FileHeader
	for _, field := range uploadFields {
		f, fh, err := r.FormFile(field)
		if err == nil {
			file, header = f, fh
			break
		}
	}
	if file == nil {
		return "", nil, fmt.Errorf("no image in form field '%v'", strings.Join(uploadFields, "' or '"))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return header.Filename, data, nil
}

// Every failure is reported as a 500 with a JSON detail message
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Warnf("%v %v failed: %v", r.Method, r.URL.Path, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	b, _ := json.Marshal(&errorResponse{Detail: err.Error()})
	w.Write(b)
}
