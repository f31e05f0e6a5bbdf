// Package storage is a client for the external service that persists uploaded
// images, predictions and overlays.
//
// Every call is best effort. Failures are returned as a Result, never as an error,
// and nothing is retried.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
)

var (
	ErrUnavailable = errors.New("storage unavailable")
	ErrDisabled    = errors.New("storage is not configured")
	ErrSkipped     = errors.New("skipped")
)

// Result is the outcome of one call to the storage service
type Result struct {
	Value string // URL or ID
	Err   error
}

func (r Result) OK() bool {
	return r.Err == nil && r.Value != ""
}

// Ptr returns the value, or nil if the call failed (for JSON nulls)
func (r Result) Ptr() *string {
	if !r.OK() {
		return nil
	}
	v := r.Value
	return &v
}

func failed(op string, err error) Result {
	return Result{Err: fmt.Errorf("%w: %v: %v", ErrUnavailable, op, err)}
}

// Record is the prediction document stored by the service
type Record struct {
	UserID           string             `json:"user_id"`
	ImageURI         string             `json:"image_uri"`
	Filename         string             `json:"filename"`
	PredictedClass   string             `json:"predicted_class"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	ConfidenceScore  float64            `json:"confidence_score"` // of the predicted class, in percent
	ModelVersion     string             `json:"model_version"`
	GradcamURI       string             `json:"gradcam_uri"`
}

type Client struct {
	BaseURL string        // eg http://localhost:4000. Empty disables the client.
	Timeout time.Duration // applies to each call
	Log     logs.Log
}

func NewClient(log logs.Log, baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Log:     log,
	}
}

func (c *Client) Enabled() bool {
	return c.BaseURL != ""
}

type urlResponse struct {
	URL string `json:"url"`
}

type predictionResponse struct {
	PredictionID string `json:"prediction_id"`
}

// UploadImage stores the original image and returns its URL
func (c *Client) UploadImage(ctx context.Context, filename string, jpegData []byte) Result {
	if !c.Enabled() {
		return Result{Err: ErrDisabled}
	}
	resp := urlResponse{}
	if err := c.postMultipart(ctx, "/upload-image", filename, jpegData, nil, &resp); err != nil {
		return failed("upload-image", err)
	}
	if resp.URL == "" {
		return failed("upload-image", errors.New("response has no url"))
	}
	return Result{Value: resp.URL}
}

// StorePrediction stores a prediction record and returns its ID
func (c *Client) StorePrediction(ctx context.Context, rec *Record) Result {
	if !c.Enabled() {
		return Result{Err: ErrDisabled}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return failed("store-prediction", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/store-prediction", bytes.NewReader(body))
	if err != nil {
		return failed("store-prediction", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := predictionResponse{}
	if err := www.FetchJSON(req, &resp); err != nil {
		return failed("store-prediction", err)
	}
	if resp.PredictionID == "" {
		return failed("store-prediction", errors.New("response has no prediction_id"))
	}
	return Result{Value: resp.PredictionID}
}

// UploadOverlay stores the Grad-CAM overlay for a prediction and returns its URL
func (c *Client) UploadOverlay(ctx context.Context, predictionID string, jpegData []byte) Result {
	if !c.Enabled() {
		return Result{Err: ErrDisabled}
	}
	if predictionID == "" {
		return Result{Err: fmt.Errorf("%w: no prediction id", ErrSkipped)}
	}
	resp := urlResponse{}
	fields := map[string]string{"prediction_id": predictionID}
	if err := c.postMultipart(ctx, "/upload-gradcam", "gradcam.jpg", jpegData, fields, &resp); err != nil {
		return failed("upload-gradcam", err)
	}
	if resp.URL == "" {
		return failed("upload-gradcam", errors.New("response has no url"))
	}
	return Result{Value: resp.URL}
}

func (c *Client) postMultipart(ctx context.Context, path, filename string, jpegData []byte, fields map[string]string, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%v"`, escapeQuotes(filename)))
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(jpegData); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.Log.Infof("Uploading %v bytes to %v", len(jpegData), req.URL)
	return www.FetchJSON(req, out)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
