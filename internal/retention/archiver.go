package retention

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"

	"github.com/opsledger/forecast-sync/internal/model"
)

// ArchiveResult is the metadata returned by a successful batch archive.
type ArchiveResult struct {
	ArchiveID        string `json:"archive_id"`
	RecordCount      int    `json:"record_count"`
	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
}

// Archiver persists a batch of raw intake records to cold storage. A batch
// is deleted from primary storage only after its archive call succeeds.
type Archiver interface {
	ArchiveBatch(ctx context.Context, records []model.RawIntakeRecord) (*ArchiveResult, error)
}

// FileArchiver writes gzip-compressed JSONL batch files to a directory.
type FileArchiver struct {
	dir string
}

// NewFileArchiver creates a FileArchiver rooted at dir.
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "retention: create archive dir %s", dir)
	}
	return &FileArchiver{dir: dir}, nil
}

// ArchiveBatch writes one batch as <timestamp>-<id>.jsonl.gz. The file is
// written to a temp name and renamed so a crashed write never leaves a
// partial archive the job could mistake for a confirmed one.
func (a *FileArchiver) ArchiveBatch(ctx context.Context, records []model.RawIntakeRecord) (*ArchiveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	archiveID := uuid.New().String()
	name := time.Now().UTC().Format("20060102T150405") + "-" + archiveID + ".jsonl.gz"
	finalPath := filepath.Join(a.dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, eris.Wrap(err, "retention: create archive file")
	}
	defer os.Remove(tmpPath) //nolint:errcheck

	gw := gzip.NewWriter(f)

	var uncompressed int64
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "retention: marshal record %s", rec.ID)
		}
		line = append(line, '\n')
		if _, err := gw.Write(line); err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "retention: write record %s", rec.ID)
		}
		uncompressed += int64(len(line))
	}

	if err := gw.Close(); err != nil {
		f.Close()
		return nil, eris.Wrap(err, "retention: close gzip writer")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, eris.Wrap(err, "retention: sync archive file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, eris.Wrap(err, "retention: stat archive file")
	}
	if err := f.Close(); err != nil {
		return nil, eris.Wrap(err, "retention: close archive file")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, eris.Wrap(err, "retention: finalize archive file")
	}

	return &ArchiveResult{
		ArchiveID:        archiveID,
		RecordCount:      len(records),
		CompressedSize:   info.Size(),
		UncompressedSize: uncompressed,
	}, nil
}
