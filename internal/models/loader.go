// Package models loads the capability providers named in configuration and
// reports what is available.
package models

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/face"
	"github.com/dunamismax/facecraft/internal/inference"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/restore"
	"github.com/dunamismax/facecraft/internal/segment"
)

const (
	KeyFaceDetector      = "face_detector"
	KeyFaceLandmarks     = "face_landmarks"
	KeyFaceEnhancer      = "face_enhancer"
	KeyBackgroundRemover = "background_remover"
)

type Status struct {
	Loaded bool   `json:"loaded"`
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
}

// Set owns the loaded models. Close releases them.
type Set struct {
	Capabilities pipeline.Capabilities
	Status       map[string]Status
	Device       inference.Device
	closers      []io.Closer
	onnx         bool
}

func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.onnx {
		errs = append(errs, inference.Shutdown())
	}
	return errors.Join(errs...)
}

// Load never fails on a missing or broken model: the capability is left nil
// and the reason lands in Status.
func Load(cfg config.ModelsConfig, logger *log.Logger) (*Set, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	device, err := inference.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	set := &Set{Status: make(map[string]Status), Device: device}
	if inference.Available() {
		if err := inference.Initialize(cfg.ONNXLibrary); err != nil {
			logger.Printf("onnx runtime unavailable err=%v", err)
		} else {
			set.onnx = true
		}
	}

	set.loadDetector(cfg, logger)
	set.loadLandmarks(cfg, logger)
	set.loadSegmenter(cfg, logger)
	set.loadRestorer(cfg, logger)

	for key, st := range set.Status {
		logger.Printf("model key=%s type=%s loaded=%t err=%q", key, st.Type, st.Loaded, st.Error)
	}
	return set, nil
}

func (s *Set) loadDetector(cfg config.ModelsConfig, logger *log.Logger) {
	switch cfg.Detector {
	case "scrfd":
		det, err := s.scrfd(cfg.SCRFD, logger)
		if s.record(KeyFaceDetector, "scrfd", err) {
			s.Capabilities.Detector = det
		}
	case "haar", "gocv":
		det, err := face.LoadCascadeDetector(cfg.HaarCascade, cfg.DetectorMinFace)
		if s.record(KeyFaceDetector, "haar_cascade", err) {
			s.Capabilities.Detector = det
			s.closers = append(s.closers, det)
		}
	default:
		pc := face.DefaultPigoConfig()
		pc.MinSize = cfg.DetectorMinFace
		det, err := face.LoadPigoDetector(cfg.PigoCascade, pc)
		if s.record(KeyFaceDetector, "pigo", err) {
			s.Capabilities.Detector = det
		}
	}
}

func (s *Set) loadLandmarks(cfg config.ModelsConfig, logger *log.Logger) {
	if s.onnx && exists(cfg.Landmark106) {
		lm, err := face.NewLandmark106(cfg.Landmark106, s.Device, logger)
		if s.record(KeyFaceLandmarks, "insight_2d106", err) {
			s.Capabilities.Landmarks = lm
			s.closers = append(s.closers, lm)
			return
		}
	}
	lm, err := face.LoadPigoLandmarks(cfg.PuplocCascade)
	if s.record(KeyFaceLandmarks, "pigo_puploc", err) {
		s.Capabilities.Landmarks = lm
	}
}

func (s *Set) loadSegmenter(cfg config.ModelsConfig, logger *log.Logger) {
	if err := s.requireONNX(cfg.U2Net); err != nil {
		s.record(KeyBackgroundRemover, "u2net", err)
		return
	}
	seg, err := segment.NewU2Net(segment.U2NetConfig{
		ModelPath:  cfg.U2Net,
		InputName:  cfg.U2NetInput,
		OutputName: cfg.U2NetOutput,
		Device:     s.Device,
	}, logger)
	if s.record(KeyBackgroundRemover, "u2net", err) {
		s.Capabilities.Segmenter = seg
		s.closers = append(s.closers, seg)
	}
}

func (s *Set) loadRestorer(cfg config.ModelsConfig, logger *log.Logger) {
	if err := s.requireONNX(cfg.CodeFormer); err != nil {
		s.record(KeyFaceEnhancer, "codeformer", err)
		return
	}
	detectorPath := cfg.RestoreSCRFD
	if detectorPath == "" {
		detectorPath = cfg.SCRFD
	}
	finder, err := s.scrfd(detectorPath, logger)
	if err != nil {
		s.record(KeyFaceEnhancer, "codeformer", fmt.Errorf("restoration detector: %w", err))
		return
	}
	cf, err := restore.NewCodeFormer(restore.CodeFormerConfig{ModelPath: cfg.CodeFormer, Device: s.Device}, finder, logger)
	if s.record(KeyFaceEnhancer, "codeformer", err) {
		s.Capabilities.Restorer = cf
		s.closers = append(s.closers, cf)
	}
}

func (s *Set) scrfd(path string, logger *log.Logger) (*face.SCRFD, error) {
	if err := s.requireONNX(path); err != nil {
		return nil, err
	}
	det, err := face.NewSCRFD(face.SCRFDConfig{ModelPath: path, Device: s.Device}, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, det)
	return det, nil
}

func (s *Set) requireONNX(path string) error {
	if !s.onnx {
		return inference.ErrUnavailable
	}
	if !exists(path) {
		return fmt.Errorf("model file %s not found", path)
	}
	return nil
}

// record stores the outcome for key and reports whether loading succeeded.
func (s *Set) record(key, kind string, err error) bool {
	if err != nil {
		s.Status[key] = Status{Type: kind, Error: err.Error()}
		return false
	}
	s.Status[key] = Status{Loaded: true, Type: kind}
	return true
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
