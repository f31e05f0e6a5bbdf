// Package analysis runs the whole request pipeline: preprocessing, the exclusive
// forward/backward cycle on the classifier, overlay rendering and persistence.
package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/gradcam"
	"github.com/Brownie44l1/lesion-api/internal/inference"
	"github.com/Brownie44l1/lesion-api/internal/overlay"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
	"github.com/Brownie44l1/lesion-api/internal/storage"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// JPEG quality of the original image when it is sent to storage
const sourceQuality = 95

type PredictionBody struct {
	PredictedClass   string             `json:"predicted_class"`
	LesionType       string             `json:"lesion_type"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
}

// Response is the JSON body of /analyze/
type Response struct {
	Prediction        PredictionBody `json:"prediction"`
	GradcamOverlayB64 string         `json:"gradcam_overlay_b64"`
	GradcamURL        *string        `json:"gradcam_url"`
	PredictionID      *string        `json:"prediction_id"`
	StorageErrors     []string       `json:"storage_errors,omitempty"`
}

// Explanation is a prediction together with its rendered overlay
type Explanation struct {
	Input      *preprocess.Input
	Prediction *inference.Prediction
	Map        *gradcam.Map
	Overlay    []byte // JPEG
}

type Pipeline struct {
	Log          logs.Log
	Inference    *inference.Engine
	Saliency     *gradcam.Engine
	Renderer     *overlay.Renderer
	Storage      *storage.Client
	ModelVersion string
	UserID       string
	Timeout      time.Duration // bounds a whole request. Zero means no limit.
}

type cycleResult struct {
	prediction *inference.Prediction
	saliency   *gradcam.Map
	err        error
}

// classify runs inference and saliency in a single exclusive cycle. The forward
// pass that produces the prediction is also the one that is differentiated.
func (p *Pipeline) classify(ctx context.Context, in *preprocess.Input) (*inference.Prediction, *gradcam.Map, error) {
	cy, err := p.Saliency.Capture().Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan cycleResult, 1)
	go func() {
		// A cycle always runs to completion, even if the caller has stopped waiting
		defer cy.End()
		r := cycleResult{}
		logits, err := cy.Forward(in.Tensor)
		if err != nil {
			r.err = err
			done <- r
			return
		}
		r.prediction, r.err = p.Inference.FromLogits(logits)
		if r.err == nil {
			r.saliency, r.err = p.Saliency.ExplainForward(cy, logits, r.prediction.ClassIndex)
		}
		done <- r
	}()
	select {
	case r := <-done:
		return r.prediction, r.saliency, r.err
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("classification abandoned: %w", ctx.Err())
	}
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// Explain classifies an image and renders its Grad-CAM overlay
func (p *Pipeline) Explain(ctx context.Context, data []byte) (*Explanation, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.explain(ctx, data)
}

func (p *Pipeline) explain(ctx context.Context, data []byte) (*Explanation, error) {
	in, err := preprocess.Prepare(data)
	if err != nil {
		return nil, err
	}
	pred, m, err := p.classify(ctx, in)
	if err != nil {
		return nil, err
	}
	jpg, err := p.Renderer.Render(m, in.Resized)
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Input:      in,
		Prediction: pred,
		Map:        m,
		Overlay:    jpg,
	}, nil
}

// Analyze explains an image, and then persists the image, prediction and overlay.
// Persistence failures are reported in the response, but never fail the request.
func (p *Pipeline) Analyze(ctx context.Context, filename string, data []byte) (*Response, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	reqID := uuid.NewString()[:8]
	start := time.Now()

	ex, err := p.explain(ctx, data)
	if err != nil {
		p.Log.Errorf("[%v] Analysis of '%v' failed: %v", reqID, filename, err)
		return nil, err
	}
	pred := ex.Prediction
	scores := pred.ConfidenceScores()
	resp := &Response{
		Prediction: PredictionBody{
			PredictedClass:   pred.Label,
			LesionType:       pred.LesionType,
			ConfidenceScores: scores,
		},
		GradcamOverlayB64: base64.StdEncoding.EncodeToString(ex.Overlay),
	}
	p.Log.Infof("[%v] '%v' (%v, %vx%v) classified as %v (%.1f%%) in %v", reqID, filename, ex.Input.Format,
		ex.Input.Source.Bounds().Dx(), ex.Input.Source.Bounds().Dy(), pred.Label, pred.Confidence*100, time.Since(start))

	if p.Storage != nil && p.Storage.Enabled() {
		p.persist(ctx, reqID, filename, ex, scores, resp)
	}
	return resp, nil
}

func (p *Pipeline) persist(ctx context.Context, reqID, filename string, ex *Explanation, scores map[string]float64, resp *Response) {
	soft := func(what string, r storage.Result) {
		if r.Err != nil && !errors.Is(r.Err, storage.ErrSkipped) {
			p.Log.Warnf("[%v] Failed to %v: %v", reqID, what, r.Err)
			resp.StorageErrors = append(resp.StorageErrors, r.Err.Error())
		} else if r.Err != nil {
			p.Log.Warnf("[%v] Not attempting to %v: %v", reqID, what, r.Err)
		}
	}

	imageURL := storage.Result{}
	if src, err := overlay.EncodeJPEG(ex.Input.Source, sourceQuality); err != nil {
		imageURL.Err = fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	} else {
		imageURL = p.Storage.UploadImage(ctx, filename, src)
	}
	soft("upload original image", imageURL)

	predID := p.Storage.StorePrediction(ctx, &storage.Record{
		UserID:           p.UserID,
		ImageURI:         imageURL.Value,
		Filename:         filename,
		PredictedClass:   ex.Prediction.Label,
		ConfidenceScores: scores,
		ConfidenceScore:  float64(ex.Prediction.Confidence) * 100,
		ModelVersion:     p.ModelVersion,
		GradcamURI:       "",
	})
	soft("store prediction", predID)
	resp.PredictionID = predID.Ptr()

	gradcamURL := p.Storage.UploadOverlay(ctx, predID.Value, ex.Overlay)
	soft("upload Grad-CAM overlay", gradcamURL)
	resp.GradcamURL = gradcamURL.Ptr()
}
