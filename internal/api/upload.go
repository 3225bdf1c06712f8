package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dunamismax/facecraft/internal/domain"
	"github.com/dunamismax/facecraft/internal/pipeline"
)

const multipartMemory = 32 << 20

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

type upload struct {
	Name string
	Data []byte
}

// uploadError carries the HTTP status a rejected upload maps to.
type uploadError struct {
	status int
	msg    string
}

func (e *uploadError) Error() string { return e.msg }

func badUpload(format string, args ...any) error {
	return &uploadError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func uploadStatus(err error) int {
	var ue *uploadError
	if errors.As(err, &ue) {
		return ue.status
	}
	return http.StatusBadRequest
}

// parseMultipart bounds the request body to files uploads plus form overhead
// and parses it.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request, files int) error {
	limit := s.cfg.MaxUploadBytes()*int64(max(files, 1)) + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &uploadError{status: http.StatusRequestEntityTooLarge, msg: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return badUpload("invalid multipart form: %v", err)
	}
	return nil
}

// readUpload checks the name, extension and size of one uploaded file and
// reads it.
func (s *Server) readUpload(fh *multipart.FileHeader) (upload, error) {
	name := filepath.Base(strings.TrimSpace(fh.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return upload{}, badUpload("no file provided")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return upload{}, badUpload("invalid format %q, allowed: .jpg, .jpeg, .png, .bmp, .webp", ext)
	}

	maxBytes := s.cfg.MaxUploadBytes()
	if fh.Size > maxBytes {
		return upload{}, &uploadError{status: http.StatusRequestEntityTooLarge, msg: fmt.Sprintf("file %s exceeds %d MB", name, s.cfg.MaxUploadSizeMB)}
	}

	f, err := fh.Open()
	if err != nil {
		return upload{}, badUpload("open upload %s: %v", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return upload{}, badUpload("read upload %s: %v", name, err)
	}
	if int64(len(data)) > maxBytes {
		return upload{}, &uploadError{status: http.StatusRequestEntityTooLarge, msg: fmt.Sprintf("file %s exceeds %d MB", name, s.cfg.MaxUploadSizeMB)}
	}
	if len(data) == 0 {
		return upload{}, badUpload("file %s is empty", name)
	}
	s.metrics.uploadBytes.Observe(float64(len(data)))
	return upload{Name: name, Data: data}, nil
}

// optionsFromForm reads the processing fields of a multipart form. Absent
// fields keep the server defaults.
func (s *Server) optionsFromForm(form url.Values) (pipeline.Options, error) {
	var (
		po   domain.PortraitOptions
		errs []error
	)
	intField := func(key string) *int {
		raw := strings.TrimSpace(form.Get(key))
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer", key))
			return nil
		}
		return &v
	}
	floatField := func(key string) *float64 {
		raw := strings.TrimSpace(form.Get(key))
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a number", key))
			return nil
		}
		return &v
	}
	boolField := func(key string) *bool {
		raw := strings.TrimSpace(form.Get(key))
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a boolean", key))
			return nil
		}
		return &v
	}

	if v := intField("width"); v != nil {
		po.Width = *v
		if *v == 0 {
			errs = append(errs, errors.New("width must be between 64 and 4096"))
		}
	}
	if v := intField("height"); v != nil {
		po.Height = *v
		if *v == 0 {
			errs = append(errs, errors.New("height must be between 64 and 4096"))
		}
	}
	r, g, b := intField("background_r"), intField("background_g"), intField("background_b")
	if r != nil || g != nil || b != nil {
		bg := s.defaults.Background
		po.Background = []int{int(bg.R), int(bg.G), int(bg.B)}
		for i, c := range []*int{r, g, b} {
			if c != nil {
				po.Background[i] = *c
			}
		}
	}
	po.FaceMargin = floatField("face_margin")
	po.OvalMask = boolField("use_oval_mask")
	po.RestoreFace = boolField("enhance_face")
	po.RestoreFidelity = floatField("enhance_fidelity")
	po.EnhancePhoto = boolField("enhance_photo")
	po.MaxSizeKB = intField("max_size_kb")

	if len(errs) > 0 {
		return pipeline.Options{}, errors.Join(errs...)
	}
	if err := po.Validate(); err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.OptionsFromDomain(s.defaults, po)
	return opts, opts.Validate()
}

func formBool(form url.Values, key string, fallback bool) bool {
	raw := strings.TrimSpace(form.Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
