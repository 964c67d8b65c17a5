package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	objects map[string]string
	opts    PutOptions
	err     error
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	if m.err != nil {
		return ObjectInfo{}, m.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, err
	}
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[key] = string(data)
	m.opts = opts
	return ObjectInfo{Key: key, Size: size}, nil
}

func TestArchiveStoresUnderOwnerAndSession(t *testing.T) {
	store := &memoryStore{}
	archiver := NewArchiver(store, nil)

	info, err := archiver.Archive(context.Background(), Upload{
		Owner:     "alice",
		SessionID: "4f1c2a9e-0000-4000-8000-000000000001",
		Filename:  "My Orders.csv",
		Kind:      "csv",
		Size:      9,
		Body:      strings.NewReader("id,total\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice/4f1c2a9e-0000-4000-8000-000000000001/My_Orders.csv", info.Key)
	assert.Equal(t, "id,total\n", store.objects[info.Key])
	assert.Equal(t, "text/csv", store.opts.ContentType)
	assert.Equal(t, "alice", store.opts.Metadata["owner"])
}

func TestArchiveErrors(t *testing.T) {
	var nilArchiver *Archiver
	_, err := nilArchiver.Archive(context.Background(), Upload{})
	require.Error(t, err)

	archiver := NewArchiver(&memoryStore{err: errors.New("unavailable")}, nil)
	_, err = archiver.Archive(context.Background(), Upload{Owner: "alice", SessionID: "s1", Filename: "a.db", Body: strings.NewReader("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive upload")

	_, err = archiver.Archive(context.Background(), Upload{Owner: "../bob", SessionID: "s1", Filename: "a.db", Body: strings.NewReader("x")})
	require.Error(t, err)
}

func TestBuildUploadKey(t *testing.T) {
	key, err := BuildUploadKey("tenant-1", "s-1", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1/s-1/passwd", key)

	key, err = BuildUploadKey("bob@example.com", "s-1", "..")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com/s-1/upload", key)

	_, err = BuildUploadKey("", "s-1", "a.csv")
	require.Error(t, err)
	_, err = BuildUploadKey("alice", "a/b", "a.csv")
	require.Error(t, err)
}
