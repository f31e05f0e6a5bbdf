package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	images     [][]byte
	filenames  []string
	records    []Record
	overlays   [][]byte
	overlayFor []string
	failStore  bool
	storeDelay time.Duration
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-image", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		b, _ := io.ReadAll(file)
		require.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		f.images = append(f.images, b)
		f.filenames = append(f.filenames, header.Filename)
		json.NewEncoder(w).Encode(map[string]string{"url": "https://bucket/images/1.jpg"})
	})
	mux.HandleFunc("/store-prediction", func(w http.ResponseWriter, r *http.Request) {
		if f.storeDelay != 0 {
			time.Sleep(f.storeDelay)
		}
		if f.failStore {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"Missing required fields"}`))
			return
		}
		rec := Record{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		f.records = append(f.records, rec)
		json.NewEncoder(w).Encode(map[string]string{"message": "Stored prediction and image", "prediction_id": "65f0c0ffee"})
	})
	mux.HandleFunc("/upload-gradcam", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		b, _ := io.ReadAll(file)
		f.overlays = append(f.overlays, b)
		f.overlayFor = append(f.overlayFor, r.FormValue("prediction_id"))
		json.NewEncoder(w).Encode(map[string]string{"url": "https://bucket/gradcam/1.jpg"})
	})
	return mux
}

func TestClientRoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	c := NewClient(logs.NewTestingLog(t), srv.URL+"/", time.Second)
	require.True(t, c.Enabled())
	ctx := context.Background()

	img := c.UploadImage(ctx, `mole "left arm".jpg`, []byte{0xff, 0xd8, 1, 2})
	require.NoError(t, img.Err)
	require.Equal(t, "https://bucket/images/1.jpg", img.Value)
	require.Equal(t, `mole "left arm".jpg`, backend.filenames[0])
	require.Equal(t, []byte{0xff, 0xd8, 1, 2}, backend.images[0])

	pred := c.StorePrediction(ctx, &Record{
		UserID:           "anonymous",
		ImageURI:         img.Value,
		Filename:         "mole.jpg",
		PredictedClass:   "nv",
		ConfidenceScores: map[string]float64{"Melanocytic nevi": 91.5},
		ConfidenceScore:  91.5,
		ModelVersion:     "resnet50",
	})
	require.NoError(t, pred.Err)
	require.Equal(t, "65f0c0ffee", *pred.Ptr())
	require.Equal(t, "nv", backend.records[0].PredictedClass)
	require.Equal(t, "", backend.records[0].GradcamURI)

	overlay := c.UploadOverlay(ctx, pred.Value, []byte{9, 9})
	require.True(t, overlay.OK())
	require.Equal(t, "65f0c0ffee", backend.overlayFor[0])
	require.Equal(t, []byte{9, 9}, backend.overlays[0])
}

func TestClientFailuresAreSoft(t *testing.T) {
	backend := &fakeBackend{failStore: true}
	srv := httptest.NewServer(backend.handler(t))
	c := NewClient(logs.NewTestingLog(t), srv.URL, time.Second)

	res := c.StorePrediction(context.Background(), &Record{})
	require.ErrorIs(t, res.Err, ErrUnavailable)
	require.Nil(t, res.Ptr())

	res = c.UploadOverlay(context.Background(), "", []byte{1})
	require.ErrorIs(t, res.Err, ErrSkipped)

	// Unreachable
	srv.Close()
	res = c.UploadImage(context.Background(), "a.jpg", []byte{1})
	require.ErrorIs(t, res.Err, ErrUnavailable)
	require.False(t, res.OK())
}

func TestClientTimeout(t *testing.T) {
	backend := &fakeBackend{storeDelay: 300 * time.Millisecond}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()
	c := NewClient(logs.NewTestingLog(t), srv.URL, 50*time.Millisecond)

	start := time.Now()
	res := c.StorePrediction(context.Background(), &Record{})
	require.ErrorIs(t, res.Err, ErrUnavailable)
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestClientDisabled(t *testing.T) {
	c := NewClient(logs.NewTestingLog(t), "", time.Second)
	require.False(t, c.Enabled())
	require.ErrorIs(t, c.UploadImage(context.Background(), "a.jpg", nil).Err, ErrDisabled)
	require.ErrorIs(t, c.StorePrediction(context.Background(), &Record{}).Err, ErrDisabled)
	require.ErrorIs(t, c.UploadOverlay(context.Background(), "x", nil).Err, ErrDisabled)
}
