package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/storage"
	"github.com/scopedauth/apiserver/types"
)

const (
	defaultExportPageSize = 500
	exportContentType     = "application/x-ndjson"
	snapshotPrefix        = "users-"
	snapshotTimeLayout    = "20060102T150405.000000000Z"
)

// UserLister pages through accounts.
type UserLister interface {
	List(ctx context.Context, limit, offset int) ([]types.User, error)
}

// ExportManifest describes one directory snapshot.
type ExportManifest struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	Size      int       `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// DirectoryExporter writes JSON-lines snapshots of all accounts to object
// storage. Password digests are never included.
type DirectoryExporter struct {
	users    UserLister
	storage  *storage.Storage
	log      *zap.Logger
	pageSize int
	now      func() time.Time

	// Retain is how many snapshots to keep under a prefix. Zero keeps all.
	Retain int
}

func NewDirectoryExporter(users UserLister, st *storage.Storage, log *zap.Logger) *DirectoryExporter {
	return &DirectoryExporter{
		users:    users,
		storage:  st,
		log:      log,
		pageSize: defaultExportPageSize,
		now:      time.Now,
	}
}

// Export writes the snapshot under prefix and updates prefix/latest.json.
func (e *DirectoryExporter) Export(ctx context.Context, prefix string) (ExportManifest, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	count := 0
	for offset := 0; ; offset += e.pageSize {
		page, err := e.users.List(ctx, e.pageSize, offset)
		if err != nil {
			return ExportManifest{}, fmt.Errorf("list users at offset %d: %w", offset, err)
		}
		for _, u := range page {
			if err := enc.Encode(u); err != nil {
				return ExportManifest{}, fmt.Errorf("encode user %d: %w", u.ID, err)
			}
		}
		count += len(page)
		if len(page) < e.pageSize {
			break
		}
	}

	createdAt := e.now().UTC()
	sum := sha256.Sum256(buf.Bytes())
	manifest := ExportManifest{
		Key:       path.Join(prefix, snapshotPrefix+createdAt.Format(snapshotTimeLayout)+"-"+uuid.NewString()[:8]+".jsonl"),
		Count:     count,
		Size:      buf.Len(),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: createdAt,
	}

	if err := e.storage.EnsureBucket(ctx); err != nil {
		return ExportManifest{}, fmt.Errorf("ensure bucket: %w", err)
	}
	opts := storage.PutOptions{
		ContentType: exportContentType,
		Metadata: map[string]string{
			"sha256": manifest.SHA256,
			"count":  strconv.Itoa(count),
		},
	}
	if err := e.storage.PutBytes(ctx, manifest.Key, buf.Bytes(), opts); err != nil {
		e.log.Error("directory export upload failed", zap.Error(err), zap.String("key", manifest.Key))
		return ExportManifest{}, fmt.Errorf("upload snapshot: %w", err)
	}

	latest, err := json.Marshal(manifest)
	if err != nil {
		return ExportManifest{}, err
	}
	if err := e.storage.PutBytes(ctx, path.Join(prefix, "latest.json"), latest, storage.PutOptions{ContentType: "application/json"}); err != nil {
		return ExportManifest{}, fmt.Errorf("upload manifest: %w", err)
	}

	if e.Retain > 0 {
		if err := e.prune(ctx, prefix); err != nil {
			// The new snapshot is already in place.
			e.log.Warn("prune old snapshots", zap.Error(err), zap.String("prefix", prefix))
		}
	}

	e.log.Info("directory exported",
		zap.String("bucket", e.storage.Bucket()),
		zap.String("key", manifest.Key),
		zap.Int("users", count),
	)
	return manifest, nil
}

// prune deletes all but the newest Retain snapshots under prefix. Snapshot
// keys embed a UTC timestamp, so key order is creation order.
func (e *DirectoryExporter) prune(ctx context.Context, prefix string) error {
	objects, err := e.storage.List(ctx, path.Join(prefix, snapshotPrefix))
	if err != nil {
		return err
	}
	if len(objects) <= e.Retain {
		return nil
	}
	for _, obj := range objects[:len(objects)-e.Retain] {
		if err := e.storage.Delete(ctx, obj.Key); err != nil {
			return err
		}
		e.log.Info("snapshot pruned", zap.String("key", obj.Key))
	}
	return nil
}
