package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/facecraft/internal/domain"
	"github.com/dunamismax/facecraft/internal/storage"
)

const SourceTypeS3Presigned = domain.SourceTypeS3Presigned

type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

// ObjectStoreEmitter writes <prefix>/<job>/portrait.<ext> to the bucket.
type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	format = normalizeOutputFormat(format)
	objectKey := path.Join(OutputPrefix(e.OutputPrefix, req.JobID), OutputFileName(format))
	if err := e.Storage.WriteObject(ctx, objectKey, data, ContentType(format)); err != nil {
		return Output{}, err
	}

	return Output{
		Format: format,
		Path:   objectKey,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

// OutputPrefix is the object key prefix holding a job's artifacts.
func OutputPrefix(prefix, jobID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "outputs"
	}
	return path.Join(prefix, SanitizePathToken(jobID)) + "/"
}

func ContentType(format string) string {
	if normalizeOutputFormat(format) == domain.FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// SourceFetcher dispatches on the request's source type. Objects may be nil
// when object storage is not configured.
type SourceFetcher struct {
	Objects *storage.Client
}

func (f SourceFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(req.SourceType)) {
	case SourceTypeLocalFile:
		return LocalFileFetcher{}.Fetch(ctx, req)
	case SourceTypeS3Presigned:
		if f.Objects == nil {
			return nil, fmt.Errorf("%w: %s needs object storage", ErrUnsupportedSourceType, req.SourceType)
		}
		return ObjectStoreFetcher{Storage: f.Objects}.Fetch(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
}
