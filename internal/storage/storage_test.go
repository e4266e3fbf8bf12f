package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopedauth/apiserver/config"
)

func TestOpen_MinioValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{
		Backend: "minio",
		Minio:   config.MinioConfig{Endpoint: "localhost:9000", Bucket: "exports"},
	})
	require.ErrorContains(t, err, "access key")
}

func TestOpen_MinioRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{
		Backend: "minio",
		Minio:   config.MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"},
	})
	require.ErrorContains(t, err, "bucket is required")
}

func TestOpen_GCSRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "gcs"})
	require.ErrorContains(t, err, "bucket is required")
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "ftp"})
	require.Error(t, err)
}

func TestOpen_MinioBackend(t *testing.T) {
	s, err := Open(context.Background(), config.StorageConfig{
		Backend: "minio",
		Minio: config.MinioConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "exports",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "exports", s.Bucket())
	require.NoError(t, s.Close())
}

func TestStorage_MemoryRoundTrip(t *testing.T) {
	mem := NewMemoryStorage("exports")
	s := NewStorage(mem)
	ctx := context.Background()

	opts := PutOptions{ContentType: "application/x-ndjson", Metadata: map[string]string{"sha256": "abc"}}
	require.NoError(t, s.EnsureBucket(ctx))
	require.NoError(t, s.PutBytes(ctx, "users/a.jsonl", []byte("{}\n"), opts))
	require.Equal(t, opts, mem.Attributes("users/a.jsonl"))

	r, err := s.Get(ctx, "users/a.jsonl")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(data))

	require.NoError(t, s.Delete(ctx, "users/a.jsonl"))
	_, err = s.Get(ctx, "users/a.jsonl")
	require.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, s.Delete(ctx, "users/a.jsonl"))
}

func TestStorage_ListSortsByKey(t *testing.T) {
	s := NewStorage(NewMemoryStorage("exports"))
	ctx := context.Background()

	for _, key := range []string{"users/c", "users/a", "other/x", "users/b"} {
		require.NoError(t, s.PutBytes(ctx, key, []byte(key), PutOptions{}))
	}

	objects, err := s.List(ctx, "users/")
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
		require.EqualValues(t, len(o.Key), o.Size)
	}
	require.Equal(t, []string{"users/a", "users/b", "users/c"}, keys)
}
