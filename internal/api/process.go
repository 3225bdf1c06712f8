package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/facette/natsort"

	"github.com/dunamismax/facecraft/internal/domain"
	"github.com/dunamismax/facecraft/internal/id"
	"github.com/dunamismax/facecraft/internal/pipeline"
)

var errorMessages = map[string]string{
	pipeline.CodeNoFaceDetected: "No face could be detected in the image",
	pipeline.CodeLoadError:      "The image could not be decoded",
}

type facePosition struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type processResult struct {
	FaceDetected      bool           `json:"face_detected"`
	FaceCount         int            `json:"face_count"`
	FacePosition      *facePosition  `json:"face_position,omitempty"`
	OutputSize        map[string]int `json:"output_size"`
	FileSizeBytes     int            `json:"file_size_bytes"`
	JPEGQuality       int            `json:"jpeg_quality,omitempty"`
	BackgroundRemoved bool           `json:"background_removed"`
	Aligned           bool           `json:"aligned"`
	Restored          bool           `json:"restored"`
}

type processResponse struct {
	Success          bool           `json:"success"`
	JobID            string         `json:"job_id"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	Result           *processResult `json:"result,omitempty"`
	PNGURL           string         `json:"png_url,omitempty"`
	JPGURL           string         `json:"jpg_url,omitempty"`
	PNGBase64        string         `json:"png_base64,omitempty"`
	JPGBase64        string         `json:"jpg_base64,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

type batchItem struct {
	Filename     string `json:"filename"`
	Success      bool   `json:"success"`
	JobID        string `json:"job_id,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
	PNGBase64    string `json:"png_base64,omitempty"`
	JPGBase64    string `json:"jpg_base64,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type batchResponse struct {
	JobID            string      `json:"job_id"`
	Total            int         `json:"total"`
	Successful       int         `json:"successful"`
	Failed           int         `json:"failed"`
	ProcessingTimeMS int64       `json:"processing_time_ms"`
	Results          []batchItem `json:"results"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is unavailable")
		return
	}
	if err := s.parseMultipart(w, r, 1); err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}
	fh, ok := firstFile(r, "file")
	if !ok {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	up, err := s.readUpload(fh)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}
	opts, err := s.optionsFromForm(r.MultipartForm.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	returnBase64 := formBool(r.MultipartForm.Value, "return_base64", false)

	release, err := s.acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for a processing slot")
		return
	}
	defer release()

	jobID := id.Short()
	out, err := s.runUpload(r.Context(), jobID, up, opts)
	resp := processResponse{JobID: jobID}
	switch {
	case out.Result.Success && err == nil:
		resp.Success = true
		resp.Result = describeResult(out.Result)
		resp.PNGURL, resp.JPGURL = downloadURLs(jobID, out.Outputs)
		if returnBase64 {
			resp.PNGBase64, resp.JPGBase64 = encodeBase64(out.Result)
		}
	case out.Result.Success:
		s.logger.Printf("emit failed job=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to store outputs")
		return
	case out.Result.ErrorCode != "":
		resp.Error = out.Result.ErrorCode
		resp.ErrorMessage = errorMessage(out.Result)
	default:
		s.logger.Printf("process failed job=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	resp.ProcessingTimeMS = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcessQuick(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is unavailable")
		return
	}
	if err := s.parseMultipart(w, r, 1); err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}
	fh, ok := firstFile(r, "file")
	if !ok {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	up, err := s.readUpload(fh)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}

	opts := s.defaults
	opts.OvalMask, opts.RestoreFace, opts.EnhancePhoto = true, true, true
	if raw := strings.TrimSpace(r.FormValue("size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "size must be an integer")
			return
		}
		opts.Width, opts.Height = size, size
	}
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	release, err := s.acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for a processing slot")
		return
	}
	defer release()

	res := s.processor.Process(r.Context(), up.Data, opts)
	if !res.Success {
		writeError(w, http.StatusBadRequest, res.ErrorCode)
		return
	}
	if len(res.PNG) == 0 {
		writeError(w, http.StatusInternalServerError, "no output generated")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.PNG)
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is unavailable")
		return
	}
	if err := s.parseMultipart(w, r, s.cfg.BatchMaxFiles); err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	if len(files) > s.cfg.BatchMaxFiles {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch accepts at most %d files, got %d", s.cfg.BatchMaxFiles, len(files)))
		return
	}
	if !s.chargeExtra(w, r, len(files)-1) {
		return
	}

	form := url.Values(r.MultipartForm.Value)
	opts := s.defaults
	opts.OvalMask, opts.RestoreFace, opts.EnhancePhoto = true, true, true
	for key, dst := range map[string]*int{"width": &opts.Width, "height": &opts.Height} {
		raw := strings.TrimSpace(form.Get(key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be an integer")
			return
		}
		*dst = v
	}
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	returnBase64 := formBool(form, "return_base64", true)

	sort.SliceStable(files, func(i, j int) bool {
		return natsort.Compare(files[i].Filename, files[j].Filename)
	})

	release, err := s.acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for a processing slot")
		return
	}
	defer release()

	batchID := id.Short()
	resp := batchResponse{JobID: batchID, Total: len(files), Results: make([]batchItem, 0, len(files))}
	for i, fh := range files {
		item := batchItem{Filename: fh.Filename}
		up, err := s.readUpload(fh)
		if err != nil {
			item.Error, item.ErrorMessage = "invalid_file", err.Error()
			resp.Results = append(resp.Results, item)
			continue
		}

		item.JobID = fmt.Sprintf("%s-%d", batchID, i+1)
		out, err := s.runUpload(r.Context(), item.JobID, up, opts)
		switch {
		case out.Result.Success && err == nil:
			item.Success = true
			item.DownloadURL = downloadURL(item.JobID, domain.FormatPNG)
			if returnBase64 {
				item.PNGBase64, item.JPGBase64 = encodeBase64(out.Result)
			}
		case out.Result.ErrorCode != "":
			item.Error, item.ErrorMessage = out.Result.ErrorCode, errorMessage(out.Result)
		default:
			s.logger.Printf("batch item failed job=%s file=%s err=%v", item.JobID, fh.Filename, err)
			item.Error, item.ErrorMessage = "processing_error", err.Error()
		}
		if item.Success {
			resp.Successful++
		}
		resp.Results = append(resp.Results, item)
	}
	resp.Failed = resp.Total - resp.Successful
	resp.ProcessingTimeMS = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	var format string
	switch r.PathValue("format") {
	case "png":
		format = domain.FormatPNG
	case "jpg", "jpeg":
		format = domain.FormatJPEG
	default:
		writeError(w, http.StatusBadRequest, "invalid format, use png or jpg")
		return
	}

	local := filepath.Join(s.cfg.OutputDir, pipeline.SanitizePathToken(jobID), pipeline.OutputFileName(format))
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		w.Header().Set("Content-Type", pipeline.ContentType(format))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+filepath.Ext(local)))
		http.ServeFile(w, r, local)
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if ok && job.SourceType == domain.SourceTypeS3Presigned {
		for _, output := range job.Outputs {
			if output.Format != format {
				continue
			}
			url, err := s.storage.PresignedGetURL(r.Context(), output.Path, s.cfg.PresignExpiry)
			if err != nil {
				s.logger.Printf("presign download failed job=%s err=%v", jobID, err)
				writeError(w, http.StatusInternalServerError, "failed to generate download URL")
				return
			}
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		}
	}
	writeError(w, http.StatusNotFound, strings.ToUpper(r.PathValue("format"))+" file not found")
}

// runUpload stages the upload in the upload directory and runs it through the
// local runner, which writes <output>/<job>/portrait.png|jpg.
func (s *Server) runUpload(ctx context.Context, jobID string, up upload, opts pipeline.Options) (pipeline.JobResult, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return pipeline.JobResult{}, fmt.Errorf("create upload dir: %w", err)
	}
	staged := filepath.Join(s.cfg.UploadDir, jobID+"_"+pipeline.SanitizePathToken(strings.TrimSuffix(up.Name, filepath.Ext(up.Name)))+strings.ToLower(filepath.Ext(up.Name)))
	if err := os.WriteFile(staged, up.Data, 0o644); err != nil {
		return pipeline.JobResult{}, fmt.Errorf("save upload: %w", err)
	}
	defer os.Remove(staged)

	return s.runner.Run(ctx, pipeline.Request{
		JobID:      jobID,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  staged,
		Options:    opts,
	})
}

func firstFile(r *http.Request, field string) (*multipart.FileHeader, bool) {
	if r.MultipartForm == nil {
		return nil, false
	}
	files := r.MultipartForm.File[field]
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}

func describeResult(res pipeline.Result) *processResult {
	out := &processResult{
		FaceDetected:      res.FaceDetected,
		FaceCount:         res.FaceCount,
		OutputSize:        map[string]int{"width": res.OutputWidth, "height": res.OutputHeight},
		FileSizeBytes:     res.OutputBytes,
		JPEGQuality:       res.JPEGQuality,
		BackgroundRemoved: res.BackgroundRemoved,
		Aligned:           res.Aligned,
		Restored:          res.Restored,
	}
	if p := res.FacePosition; p != nil {
		out.FacePosition = &facePosition{X: p.Left, Y: p.Top, Width: p.Width, Height: p.Height}
	}
	return out
}

func errorMessage(res pipeline.Result) string {
	if msg, ok := errorMessages[res.ErrorCode]; ok {
		return msg
	}
	return res.ErrorMessage
}

func downloadURL(jobID, format string) string {
	ext := "png"
	if format == domain.FormatJPEG {
		ext = "jpg"
	}
	return fmt.Sprintf("/v1/download/%s/%s", jobID, ext)
}

func downloadURLs(jobID string, outputs []pipeline.Output) (png, jpg string) {
	for _, o := range outputs {
		switch o.Format {
		case domain.FormatPNG:
			png = downloadURL(jobID, o.Format)
		case domain.FormatJPEG:
			jpg = downloadURL(jobID, o.Format)
		}
	}
	return png, jpg
}

func encodeBase64(res pipeline.Result) (png, jpg string) {
	if len(res.PNG) > 0 {
		png = base64.StdEncoding.EncodeToString(res.PNG)
	}
	if len(res.JPEG) > 0 {
		jpg = base64.StdEncoding.EncodeToString(res.JPEG)
	}
	return png, jpg
}
