// Package archive keeps a copy of every accepted upload in object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var ErrBucketNotFound = errors.New("bucket not found")

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
}

type Upload struct {
	Owner     string
	SessionID string
	Filename  string
	Kind      string
	Size      int64
	Body      io.Reader
}

type Archiver struct {
	Store  ObjectStore
	Logger *slog.Logger
	Clock  func() time.Time
}

func NewArchiver(store ObjectStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{Store: store, Logger: logger, Clock: time.Now}
}

// Archive stores the upload under <owner>/<session_id>/<file>.
func (a *Archiver) Archive(ctx context.Context, upload Upload) (ObjectInfo, error) {
	if a == nil || a.Store == nil {
		return ObjectInfo{}, fmt.Errorf("archive store is not configured")
	}
	if upload.Body == nil {
		return ObjectInfo{}, fmt.Errorf("upload body is required")
	}
	key, err := BuildUploadKey(upload.Owner, upload.SessionID, upload.Filename)
	if err != nil {
		return ObjectInfo{}, err
	}

	started := a.Clock()
	info, err := a.Store.Put(ctx, key, upload.Body, upload.Size, PutOptions{
		ContentType: contentType(upload.Kind),
		Metadata: map[string]string{
			"owner":      upload.Owner,
			"session-id": upload.SessionID,
			"kind":       upload.Kind,
		},
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("archive upload: %w", err)
	}
	a.Logger.InfoContext(ctx, "upload archived",
		slog.String("key", info.Key),
		slog.String("session_id", upload.SessionID),
		slog.Int64("size_bytes", info.Size),
		slog.Duration("elapsed", a.Clock().Sub(started)),
	)
	return info, nil
}

func contentType(kind string) string {
	switch kind {
	case "sqlite":
		return "application/vnd.sqlite3"
	case "csv":
		return "text/csv"
	case "tsv":
		return "text/tab-separated-values"
	case "parquet":
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}
