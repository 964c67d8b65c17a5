// Package source turns an uploaded file into a read-only SQL connection.
package source

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sqlassist/sqlassist/internal/schema"
)

type Kind string

const (
	KindSQLite  Kind = "sqlite"
	KindCSV     Kind = "csv"
	KindTSV     Kind = "tsv"
	KindParquet Kind = "parquet"
)

const DefaultMaxBytes int64 = 50 << 20

var (
	ErrUnsupportedKind = errors.New("unsupported source kind")
	ErrTooLarge        = errors.New("upload exceeds size limit")
	ErrEmptyUpload     = errors.New("upload is empty")
	ErrNotSQLite       = errors.New("file is not a sqlite database")
)

var sqliteMagic = []byte("SQLite format 3\x00")

type Upload struct {
	Filename string
	// Kind is optional. When empty it is detected from the filename and
	// the leading bytes.
	Kind Kind
	Data io.Reader
}

// Source owns a read-only connection and the working directory backing it.
type Source struct {
	DB       *sql.DB
	Dialect  schema.Dialect
	Kind     Kind
	Filename string
	Size     int64

	dir     string
	rawPath string
}

// OpenRaw reopens the uploaded bytes as received.
func (s *Source) OpenRaw() (*os.File, error) {
	if s == nil || s.rawPath == "" {
		return nil, os.ErrNotExist
	}
	return os.Open(s.rawPath)
}

func (s *Source) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	if s.DB != nil {
		closeErr = s.DB.Close()
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

type Loader struct {
	WorkDir  string
	MaxBytes int64
	Logger   *slog.Logger
}

func NewLoader(workDir string, maxBytes int64, logger *slog.Logger) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{WorkDir: workDir, MaxBytes: maxBytes, Logger: logger}
}

// Open stores the upload in a private directory and opens it read-only.
// On error nothing is left behind on disk.
func (l *Loader) Open(ctx context.Context, upload Upload) (*Source, error) {
	if upload.Data == nil {
		return nil, ErrEmptyUpload
	}
	filename := filepath.Base(strings.TrimSpace(upload.Filename))
	if filename == "." || filename == string(filepath.Separator) || filename == "" {
		filename = "upload"
	}

	dir, err := os.MkdirTemp(l.WorkDir, "sqlassist-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	src, err := l.open(ctx, dir, filename, upload)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	l.Logger.Debug("source opened", "kind", src.Kind, "dialect", src.Dialect, "filename", filename, "size_bytes", src.Size)
	return src, nil
}

func (l *Loader) open(ctx context.Context, dir, filename string, upload Upload) (*Source, error) {
	rawPath := filepath.Join(dir, "raw"+filepath.Ext(filename))
	size, head, err := l.spool(rawPath, upload.Data)
	if err != nil {
		return nil, err
	}

	kind, err := DetectKind(string(upload.Kind), filename, head)
	if err != nil {
		return nil, err
	}

	src := &Source{Kind: kind, Filename: filename, Size: size, dir: dir, rawPath: rawPath}
	switch kind {
	case KindSQLite:
		if !bytes.HasPrefix(head, sqliteMagic) {
			return nil, ErrNotSQLite
		}
		src.DB, err = openSQLite(ctx, rawPath)
		src.Dialect = schema.DialectSQLite
	case KindCSV, KindTSV, KindParquet:
		src.DB, err = loadDuckDB(ctx, filepath.Join(dir, "data.duckdb"), rawPath, TableName(filename), kind)
		src.Dialect = schema.DialectDuckDB
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (l *Loader) spool(path string, data io.Reader) (int64, []byte, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, nil, fmt.Errorf("create upload file: %w", err)
	}
	defer func() { _ = file.Close() }()

	written, err := io.Copy(file, io.LimitReader(data, l.MaxBytes+1))
	if err != nil {
		return 0, nil, fmt.Errorf("write upload file: %w", err)
	}
	if written == 0 {
		return 0, nil, ErrEmptyUpload
	}
	if written > l.MaxBytes {
		return 0, nil, ErrTooLarge
	}

	head := make([]byte, len(sqliteMagic))
	n, err := file.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, fmt.Errorf("read upload header: %w", err)
	}
	return written, head[:n], nil
}

// DetectKind resolves the source kind from an explicit hint, the filename
// extension or the SQLite file header, in that order.
func DetectKind(explicit, filename string, head []byte) (Kind, error) {
	if hint := strings.ToLower(strings.TrimSpace(explicit)); hint != "" {
		switch Kind(hint) {
		case KindSQLite, KindCSV, KindTSV, KindParquet:
			return Kind(hint), nil
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, hint)
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".sqlite", ".sqlite3", ".db":
		return KindSQLite, nil
	case ".csv":
		return KindCSV, nil
	case ".tsv", ".tab":
		return KindTSV, nil
	case ".parquet":
		return KindParquet, nil
	}

	if bytes.HasPrefix(head, sqliteMagic) {
		return KindSQLite, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, filename)
}
