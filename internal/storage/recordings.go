package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/huddlekit/huddle/internal/postprocess"
)

// Recording is the stored metadata for one finished artifact. The blob
// itself lives on disk at BlobPath; the row carries its hash for integrity
// checks.
type Recording struct {
	ID              string
	RoomID          string
	MimeType        string
	DurationSeconds int
	HasVideo        bool
	SizeBytes       int64
	SHA256          string
	BlobPath        string
	Transcript      string
	Items           []postprocess.Item
	CreatedAt       time.Time
}

// SaveRecording writes the blob under the data dir and inserts its metadata
// row. Returns the stored record with ID and path filled in.
func (d *DB) SaveRecording(roomID, mimeType string, durationSeconds int, hasVideo bool, blob []byte, transcript string, items []postprocess.Item) (Recording, error) {
	id := uuid.NewString()

	ext := ".webm"
	if mimeType == "audio/wav" {
		ext = ".wav"
	}
	recDir := filepath.Join(d.dir, "recordings")
	if err := os.MkdirAll(recDir, 0755); err != nil {
		return Recording{}, fmt.Errorf("create recordings dir: %w", err)
	}
	blobPath := filepath.Join(recDir, id+ext)
	if err := os.WriteFile(blobPath, blob, 0644); err != nil {
		return Recording{}, fmt.Errorf("write recording blob: %w", err)
	}

	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		itemsJSON = []byte("[]")
	}

	hv := 0
	if hasVideo {
		hv = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`
		INSERT INTO recordings
			(id, room_id, mime_type, duration_seconds, has_video, size_bytes, sha256, blob_path, transcript, items_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, roomID, mimeType, durationSeconds, hv, int64(len(blob)), hash, blobPath, transcript, string(itemsJSON),
	); err != nil {
		os.Remove(blobPath)
		return Recording{}, fmt.Errorf("insert recording: %w", err)
	}

	return Recording{
		ID:              id,
		RoomID:          roomID,
		MimeType:        mimeType,
		DurationSeconds: durationSeconds,
		HasVideo:        hasVideo,
		SizeBytes:       int64(len(blob)),
		SHA256:          hash,
		BlobPath:        blobPath,
		Transcript:      transcript,
		Items:           items,
		CreatedAt:       time.Now(),
	}, nil
}

// GetRecording returns one recording's metadata, or false if unknown.
func (d *DB) GetRecording(id string) (Recording, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT id, room_id, mime_type, duration_seconds, has_video, size_bytes,
		       sha256, blob_path, transcript, items_json, created_at
		FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err != nil {
		return Recording{}, false
	}
	return rec, true
}

// ListRecordings returns recordings for a room, newest first. Empty roomID
// lists everything.
func (d *DB) ListRecordings(roomID string) ([]Recording, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query := `
		SELECT id, room_id, mime_type, duration_seconds, has_video, size_bytes,
		       sha256, blob_path, transcript, items_json, created_at
		FROM recordings`
	args := []any{}
	if roomID != "" {
		query += ` WHERE room_id = ?`
		args = append(args, roomID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRecording removes the metadata row and the blob file.
func (d *DB) DeleteRecording(id string) error {
	rec, ok := d.GetRecording(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return err
	}
	if ok {
		os.Remove(rec.BlobPath)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var rec Recording
	var hv int
	var itemsJSON, created string
	if err := row.Scan(&rec.ID, &rec.RoomID, &rec.MimeType, &rec.DurationSeconds,
		&hv, &rec.SizeBytes, &rec.SHA256, &rec.BlobPath, &rec.Transcript,
		&itemsJSON, &created); err != nil {
		return Recording{}, err
	}
	rec.HasVideo = hv != 0
	json.Unmarshal([]byte(itemsJSON), &rec.Items)
	rec.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	return rec, nil
}
