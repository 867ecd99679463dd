package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/auditchain/go-core/pkg/types"
)

// Archiver copies a partition's records to long-term storage and returns
// where they went and a checksum of the copy. It must not return before the
// copy is durable.
type Archiver interface {
	Archive(ctx context.Context, m *types.PartitionManifest, records []*types.AuditRecord) (location, checksum string, err error)
}

// FileArchiver writes each partition as a JSON Lines file plus a manifest
// under <dir>/<chain>/. Files are written to a temp name, synced and renamed.
type FileArchiver struct {
	dir string
}

// NewFileArchiver creates an archiver rooted at dir
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileArchiver{dir: dir}, nil
}

// Archive writes the partition file and its manifest
func (a *FileArchiver) Archive(ctx context.Context, m *types.PartitionManifest, records []*types.AuditRecord) (string, string, error) {
	chainDir := filepath.Join(a.dir, url.PathEscape(m.ChainID))
	if err := os.MkdirAll(chainDir, 0750); err != nil {
		return "", "", fmt.Errorf("failed to create chain archive directory: %w", err)
	}

	location := filepath.Join(chainDir, string(m.PartitionID)+".jsonl")
	checksum, err := writeFileAtomic(location, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	manifest := *m
	manifest.Location = location
	manifest.Checksum = checksum
	manifestPath := filepath.Join(chainDir, string(m.PartitionID)+".manifest.json")
	if _, err := writeFileAtomic(manifestPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&manifest)
	}); err != nil {
		return "", "", err
	}

	return location, checksum, nil
}

// writeFileAtomic writes path via a synced temp file and returns the
// sha256 of the content
func writeFileAtomic(path string, write func(io.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	buf := bufio.NewWriter(io.MultiWriter(tmp, h))
	if err := write(buf); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadArchive reads a JSON Lines partition file back into records. Numbers
// are kept as json.Number so the records hash exactly as when written.
func ReadArchive(r io.Reader) ([]*types.AuditRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var records []*types.AuditRecord
	for {
		var rec types.AuditRecord
		err := dec.Decode(&rec)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode archived record %d: %w", len(records)+1, err)
		}
		records = append(records, &rec)
	}
}

// ReadArchiveFile opens and reads a partition file, checking it against an
// expected sha256 checksum when one is given
func ReadArchiveFile(path, checksum string) ([]*types.AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if checksum != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != checksum {
			return nil, &Error{
				Kind:    ErrChainIntegrity,
				Code:    "ARCHIVE_CHECKSUM_MISMATCH",
				Message: fmt.Sprintf("archive %s checksum %s, manifest says %s", path, got, checksum),
			}
		}
	}
	return ReadArchive(bytes.NewReader(data))
}
