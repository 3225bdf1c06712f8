package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/domain"
	"github.com/dunamismax/facecraft/internal/face"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/queue"
	"github.com/dunamismax/facecraft/internal/ratelimit"
	"github.com/dunamismax/facecraft/internal/raster"
	"github.com/dunamismax/facecraft/internal/store"
)

type fixedDetector struct{ regions []face.Region }

func (d fixedDetector) Detect(context.Context, raster.Image) ([]face.Region, error) {
	return d.regions, nil
}

type opaqueSegmenter struct{}

func (opaqueSegmenter) Segment(_ context.Context, img raster.Image) (raster.Image, error) {
	return img.ToRGBA(), nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.ProcessPortraitPayload
}

func (q *fakeQueue) EnqueuePortrait(_ context.Context, payload queue.ProcessPortraitPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.payloads {
		if p.JobID == payload.JobID {
			return nil, asynq.ErrTaskIDConflict
		}
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(ctx context.Context, subject string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

func (denyingLimiter) AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: time.Second}, nil
}

type testEnv struct {
	server *Server
	http   http.Handler
	cfg    config.APIConfig
	queue  *fakeQueue
	jobs   *store.MemoryJobStore
}

func newTestEnv(t *testing.T, caps pipeline.Capabilities, mutate func(*config.APIConfig, *Dependencies)) *testEnv {
	t.Helper()

	processor, err := pipeline.NewProcessor(caps, pipeline.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	root := t.TempDir()
	cfg := config.APIConfig{
		UploadDir:         filepath.Join(root, "uploads"),
		OutputDir:         filepath.Join(root, "processed"),
		CORSOrigins:       []string{"*"},
		MaxUploadSizeMB:   5,
		BatchMaxFiles:     3,
		MaxConcurrentJobs: 2,
	}
	defaults := pipeline.DefaultOptions()
	defaults.Width, defaults.Height = 128, 128
	defaults.EnhancePhoto = false

	env := &testEnv{queue: &fakeQueue{}, jobs: store.NewMemoryJobStore()}
	deps := Dependencies{
		Logger:    log.New(io.Discard, "", 0),
		Processor: processor,
		Defaults:  defaults,
		JobStore:  env.jobs,
		Queue:     env.queue,
		Device:    "cpu",
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	env.cfg = cfg
	env.server = NewServer(cfg, deps)
	env.http = env.server.Handler()
	return env
}

func faceCaps() pipeline.Capabilities {
	return pipeline.Capabilities{
		Detector:  fixedDetector{regions: []face.Region{{Left: 120, Top: 80, Width: 80, Height: 80}}},
		Segmenter: opaqueSegmenter{},
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.http.ServeHTTP(rec, req)
	return rec
}

func samplePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / 320), G: uint8(y * 255 / 240), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type formFile struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, path string, files []formFile, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody[map[string]string](t, rec); body["status"] != "healthy" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyzFollowsCapabilities(t *testing.T) {
	ready := newTestEnv(t, faceCaps(), nil)
	if rec := ready.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	notReady := newTestEnv(t, pipeline.Capabilities{Detector: fixedDetector{}}, nil)
	rec := notReady.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without segmenter, got %d", rec.Code)
	}
	if body := decodeBody[map[string]bool](t, rec); body["ready"] || body["models_loaded"] {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestProcessDownloadDelete(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)

	req := multipartRequest(t, "/v1/process", []formFile{{"file", "portrait.png", samplePNG(t)}}, map[string]string{
		"width":         "160",
		"height":        "200",
		"return_base64": "true",
	})
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[processResponse](t, rec)
	if !resp.Success || resp.JobID == "" {
		t.Fatalf("expected success with job id, got %+v", resp)
	}
	if resp.Result == nil || resp.Result.OutputSize["width"] != 160 || resp.Result.OutputSize["height"] != 200 {
		t.Fatalf("unexpected result %+v", resp.Result)
	}
	if resp.Result.FacePosition == nil || resp.Result.FacePosition.X != 120 {
		t.Fatalf("expected face position, got %+v", resp.Result.FacePosition)
	}
	if resp.PNGURL == "" || resp.JPGURL == "" || resp.PNGBase64 == "" || resp.JPGBase64 == "" {
		t.Fatalf("expected urls and base64 payloads, got %+v", resp)
	}

	entries, err := os.ReadDir(env.cfg.UploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staged upload to be removed, found %d entries", len(entries))
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, resp.PNGURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected png download, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("downloaded png does not decode: %v", err)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/download/"+resp.JobID+"/gif", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+resp.JobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected delete 200, got %d", rec.Code)
	}
	rec = env.do(t, httptest.NewRequest(http.MethodGet, resp.PNGURL, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+resp.JobID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/status", nil))
	status := decodeBody[statusResponse](t, rec)
	if status.Statistics.Total != 1 || status.Statistics.Success != 1 {
		t.Fatalf("expected one successful run in status, got %+v", status.Statistics)
	}
	if status.Device != "cpu" || !status.Capabilities.FaceDetection {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestProcessReportsNoFace(t *testing.T) {
	env := newTestEnv(t, pipeline.Capabilities{Detector: fixedDetector{}, Segmenter: opaqueSegmenter{}}, nil)

	rec := env.do(t, multipartRequest(t, "/v1/process", []formFile{{"file", "empty.png", samplePNG(t)}}, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody[processResponse](t, rec)
	if resp.Success || resp.Error != pipeline.CodeNoFaceDetected {
		t.Fatalf("expected no_face_detected, got %+v", resp)
	}
	if resp.ErrorMessage != "No face could be detected in the image" {
		t.Fatalf("unexpected message %q", resp.ErrorMessage)
	}
}

func TestProcessRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"extension", multipartRequest(t, "/v1/process", []formFile{{"file", "notes.txt", []byte("hello")}}, nil), http.StatusBadRequest},
		{"missing file", multipartRequest(t, "/v1/process", nil, map[string]string{"width": "200"}), http.StatusBadRequest},
		{"width", multipartRequest(t, "/v1/process", []formFile{{"file", "a.png", samplePNG(t)}}, map[string]string{"width": "10"}), http.StatusBadRequest},
		{"background", multipartRequest(t, "/v1/process", []formFile{{"file", "a.png", samplePNG(t)}}, map[string]string{"background_r": "300"}), http.StatusBadRequest},
		{"max size", multipartRequest(t, "/v1/process", []formFile{{"file", "a.png", samplePNG(t)}}, map[string]string{"max_size_kb": "5"}), http.StatusBadRequest},
		{"not a number", multipartRequest(t, "/v1/process", []formFile{{"file", "a.png", samplePNG(t)}}, map[string]string{"face_margin": "wide"}), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestProcessRejectsOversizedUpload(t *testing.T) {
	env := newTestEnv(t, faceCaps(), func(cfg *config.APIConfig, _ *Dependencies) {
		cfg.MaxUploadSizeMB = 1
	})
	big := bytes.Repeat([]byte{0xff}, 2<<20)
	rec := env.do(t, multipartRequest(t, "/v1/process", []formFile{{"file", "big.jpg", big}}, nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestProcessQuickReturnsPNG(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)

	rec := env.do(t, multipartRequest(t, "/v1/process/quick", []formFile{{"file", "a.png", samplePNG(t)}}, map[string]string{"size": "96"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode quick output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 96 || b.Dy() != 96 {
		t.Fatalf("expected 96x96, got %v", b)
	}

	noFace := newTestEnv(t, pipeline.Capabilities{Detector: fixedDetector{}}, nil)
	rec = noFace.do(t, multipartRequest(t, "/v1/process/quick", []formFile{{"file", "a.png", samplePNG(t)}}, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a face, got %d", rec.Code)
	}
}

func TestProcessBatchOrdersNaturally(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)
	data := samplePNG(t)

	rec := env.do(t, multipartRequest(t, "/v1/process/batch", []formFile{
		{"files", "img10.png", data},
		{"files", "img2.png", data},
		{"files", "readme.txt", []byte("x")},
	}, map[string]string{"return_base64": "false"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[batchResponse](t, rec)
	if resp.Total != 3 || resp.Successful != 2 || resp.Failed != 1 {
		t.Fatalf("unexpected counts %+v", resp)
	}
	if resp.Results[0].Filename != "img2.png" || resp.Results[1].Filename != "img10.png" {
		t.Fatalf("expected natural order, got %s, %s", resp.Results[0].Filename, resp.Results[1].Filename)
	}
	if resp.Results[2].Error != "invalid_file" {
		t.Fatalf("expected invalid_file for text upload, got %+v", resp.Results[2])
	}
	if resp.Results[0].PNGBase64 != "" {
		t.Fatal("expected no base64 payload")
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, resp.Results[0].DownloadURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected batch item download, got %d", rec.Code)
	}

	rec = env.do(t, multipartRequest(t, "/v1/process/batch", []formFile{
		{"files", "1.png", data}, {"files", "2.png", data}, {"files", "3.png", data}, {"files", "4.png", data},
	}, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 above batch limit, got %d", rec.Code)
	}
}

func TestProcessBatchAppliesFormFields(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)

	rec := env.do(t, multipartRequest(t, "/v1/process/batch", []formFile{
		{"files", "a.png", samplePNG(t)},
	}, map[string]string{"width": "160", "height": "200", "return_base64": "true"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[batchResponse](t, rec)
	if resp.Successful != 1 || resp.Results[0].PNGBase64 == "" {
		t.Fatalf("expected one successful item with base64 output, got %+v", resp)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Results[0].PNGBase64)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 200 {
		t.Fatalf("expected 160x200 from form fields, got %v", b)
	}

	rec = env.do(t, multipartRequest(t, "/v1/process/batch", []formFile{
		{"files", "a.png", samplePNG(t)},
	}, map[string]string{"width": "wide"}))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "width must be an integer") {
		t.Fatalf("expected 400 for non-integer width, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	env := newTestEnv(t, faceCaps(), func(cfg *config.APIConfig, _ *Dependencies) {
		cfg.APIKey = "s3cret"
	})

	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	req.Header.Set(headerAPIKey, "s3cret")
	if rec := env.do(t, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if rec := env.do(t, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with bearer key, got %d", rec.Code)
	}
}

func TestRateLimitRejects(t *testing.T) {
	env := newTestEnv(t, faceCaps(), func(_ *config.APIConfig, deps *Dependencies) {
		deps.RateLimiter = denyingLimiter{}
	})

	rec := env.do(t, multipartRequest(t, "/v1/process", []formFile{{"file", "a.png", samplePNG(t)}}, nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/status", nil)); rec.Code != http.StatusOK {
		t.Fatalf("GET routes are not rate limited, got %d", rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)
	if err := os.MkdirAll(env.cfg.UploadDir, 0o755); err != nil {
		t.Fatalf("mkdir uploads: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.cfg.UploadDir, "me.png"), samplePNG(t), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	body := `{"source_type":"local_file","object_key":"../../me.png","options":{"width":256,"use_oval_mask":false}}`
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[map[string]any](t, rec)
	jobID, _ := created["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job id in %v", created)
	}

	job, ok, err := env.jobs.Get(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("job not stored: ok=%v err=%v", ok, err)
	}
	if job.ObjectKey != filepath.Join(env.cfg.UploadDir, "me.png") {
		t.Fatalf("object key escaped the upload dir: %s", job.ObjectKey)
	}
	if job.Options.Width != 256 || job.Options.OvalMask == nil || *job.Options.OvalMask {
		t.Fatalf("options not stored: %+v", job.Options)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.queue.payloads) != 1 || env.queue.payloads[0].JobID != jobID {
		t.Fatalf("unexpected queue payloads %+v", env.queue.payloads)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil))
	view := decodeBody[jobView](t, rec)
	if view.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", view.Status)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/missing/start", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)

	for _, body := range []string{
		`{"source_type":"ftp"}`,
		`{"source_type":"local_file"}`,
		`{"source_type":"local_file","object_key":"a.png","options":{"width":5}}`,
		`{"source_type":"local_file","object_key":"a.png","unknown":true}`,
	} {
		rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without object storage, got %d", rec.Code)
	}
}

func TestStartJobWithoutQueue(t *testing.T) {
	env := newTestEnv(t, faceCaps(), func(_ *config.APIConfig, deps *Dependencies) {
		deps.Queue = nil
	})
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/abc/start", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCleanupOldFiles(t *testing.T) {
	root := t.TempDir()
	oldDir := filepath.Join(root, "job-old")
	newDir := filepath.Join(root, "job-new")
	for _, dir := range []string{oldDir, newDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	oldFile := filepath.Join(oldDir, "portrait.png")
	newFile := filepath.Join(newDir, "portrait.png")
	for _, f := range []string{oldFile, newFile} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	now := time.Now()
	if err := os.Chtimes(oldFile, now.Add(-48*time.Hour), now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := cleanupOldFiles([]string{root, filepath.Join(root, "missing")}, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("expected empty job dir to be removed, err=%v", err)
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatalf("recent file must survive: %v", err)
	}
}

func TestRouteLabel(t *testing.T) {
	env := newTestEnv(t, faceCaps(), nil)
	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/v1/jobs", "/v1/jobs"},
		{http.MethodGet, "/v1/jobs/abc", "/v1/jobs/{job_id}"},
		{http.MethodPost, "/v1/jobs/abc/start", "/v1/jobs/{job_id}/start"},
		{http.MethodGet, "/v1/download/abc/png", "/v1/download/{job_id}/{format}"},
		{http.MethodPost, "/v1/process/batch", "/v1/process/batch"},
		{http.MethodGet, "/metrics", "/metrics"},
		{http.MethodGet, "/wp-admin/install.php", "other"},
		{http.MethodPut, "/v1/jobs/abc", "other"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := env.server.routeLabel(req); got != tc.want {
			t.Fatalf("routeLabel(%s %s) = %q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestLocalSourcePath(t *testing.T) {
	got, err := localSourcePath("/srv/uploads", "../../etc/passwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != filepath.Join("/srv/uploads", "etc", "passwd") {
		t.Fatalf("expected confined path, got %s", got)
	}
	if _, err := localSourcePath("/srv/uploads", "/"); err == nil {
		t.Fatal("expected error for directory key")
	}
	if _, err := localSourcePath("", "a.png"); err == nil {
		t.Fatal("expected error without upload dir")
	}
}
