// Package config reads the server configuration from the command line, with
// defaults taken from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akamensky/argparse"
)

type Config struct {
	Port           int
	AllowedOrigins []string // "*" allows any origin
	StorageURL     string   // Empty disables persistence
	ModelDir       string
	ORTLib         string // Path to the onnxruntime shared library. Empty uses the system default.
	RequestTimeout time.Duration
	StorageTimeout time.Duration
	MaxUploadBytes int64
	RateLimit      int // Requests per minute per IP on the analysis endpoints. Zero is unlimited.
	UserID         string
}

// Error is returned by Load when the arguments or environment are invalid.
// Usage holds the help text that should be shown to the user.
type Error struct {
	Err   error
	Usage string
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type env struct {
	getenv func(string) string
	errs   []string
}

func (e *env) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%v: '%v' is not an integer", key, v))
		return def
	}
	return i
}

// Load parses args (including the program name, as in os.Args)
func Load(args []string, getenv func(string) string) (*Config, error) {
	e := &env{getenv: getenv}
	parser := argparse.NewParser("lesion-api", "Skin lesion classifier with Grad-CAM explanations")
	port := parser.Int("p", "port", &argparse.Options{Help: "HTTP port (env PORT)", Default: e.int("PORT", 8000)})
	origins := parser.String("", "origins", &argparse.Options{Help: "Comma-separated list of allowed CORS origins (env ALLOWED_ORIGINS)", Default: e.str("ALLOWED_ORIGINS", "*")})
	storageURL := parser.String("s", "storage", &argparse.Options{Help: "Base URL of the storage service, or 'none' (env NODE_BACKEND_URL)", Default: e.str("NODE_BACKEND_URL", "http://localhost:4000")})
	modelDir := parser.String("m", "models", &argparse.Options{Help: "Directory with model_metadata.json and the model files (env MODEL_DIR)", Default: e.str("MODEL_DIR", "models")})
	ortLib := parser.String("", "ortlib", &argparse.Options{Help: "Path to the onnxruntime shared library (env ONNXRUNTIME_LIB)", Default: e.str("ONNXRUNTIME_LIB", "")})
	timeout := parser.Int("t", "timeout", &argparse.Options{Help: "Request timeout in seconds (env REQUEST_TIMEOUT)", Default: e.int("REQUEST_TIMEOUT", 60)})
	storageTimeout := parser.Int("", "storage-timeout", &argparse.Options{Help: "Timeout of each storage call in seconds (env STORAGE_TIMEOUT)", Default: e.int("STORAGE_TIMEOUT", 10)})
	maxUpload := parser.Int("", "max-upload", &argparse.Options{Help: "Maximum upload size in MB (env MAX_UPLOAD_MB)", Default: e.int("MAX_UPLOAD_MB", 10)})
	rate := parser.Int("", "rate", &argparse.Options{Help: "Requests per minute per IP on analysis endpoints, 0 for unlimited (env RATE_LIMIT)", Default: e.int("RATE_LIMIT", 0)})
	user := parser.String("u", "user", &argparse.Options{Help: "User ID recorded with stored predictions (env PREDICTION_USER)", Default: e.str("PREDICTION_USER", "anonymous")})

	if err := parser.Parse(args); err != nil {
		return nil, &Error{Err: err, Usage: parser.Usage(err)}
	}
	fail := func(msg string) (*Config, error) {
		err := fmt.Errorf("invalid configuration: %v", msg)
		return nil, &Error{Err: err, Usage: parser.Usage(err)}
	}
	if len(e.errs) != 0 {
		return fail(strings.Join(e.errs, ", "))
	}
	if *port <= 0 || *port > 65535 {
		return fail(fmt.Sprintf("port %v out of range", *port))
	}
	if *timeout <= 0 {
		return fail("timeout must be positive")
	}
	if *storageTimeout <= 0 {
		return fail("storage timeout must be positive")
	}
	if *maxUpload <= 0 {
		return fail("max upload size must be positive")
	}
	if *rate < 0 {
		return fail("rate limit may not be negative")
	}

	c := &Config{
		Port:           *port,
		AllowedOrigins: splitList(*origins),
		StorageURL:     strings.TrimSpace(*storageURL),
		ModelDir:       *modelDir,
		ORTLib:         *ortLib,
		RequestTimeout: time.Duration(*timeout) * time.Second,
		StorageTimeout: time.Duration(*storageTimeout) * time.Second,
		MaxUploadBytes: int64(*maxUpload) * 1024 * 1024,
		RateLimit:      *rate,
		UserID:         *user,
	}
	if strings.EqualFold(c.StorageURL, "none") {
		c.StorageURL = ""
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	return c, nil
}

func splitList(s string) []string {
	list := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

// Addr is the listen address for net/http
func (c *Config) Addr() string {
	return fmt.Sprintf(":%v", c.Port)
}
