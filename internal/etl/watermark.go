package etl

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/utils"
)

type watermarkFile struct {
	LastExtractedAt string `json:"last_extracted_at"`
	UpdatedAt       string `json:"updated_at"`
}

// WatermarkStore persists the maximum ingestion time extracted so far.
type WatermarkStore struct {
	path string
	log  *logger.Logger
	now  func() time.Time
}

func NewWatermarkStore(path string, log *logger.Logger) *WatermarkStore {
	return &WatermarkStore{path: path, log: log, now: time.Now}
}

func (w *WatermarkStore) Path() string { return w.path }

// Get returns the stored watermark, or nil when the file is missing or
// unreadable. A corrupt file is treated like a first run.
func (w *WatermarkStore) Get() *time.Time {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warnf("Failed to read watermark %s: %v", w.path, err)
		}
		return nil
	}

	var f watermarkFile
	if err := json.Unmarshal(data, &f); err != nil {
		w.log.Warnf("Failed to read watermark %s: %v", w.path, err)
		return nil
	}
	if f.LastExtractedAt == "" {
		return nil
	}
	t, err := utils.ParseTimestamp(f.LastExtractedAt)
	if err != nil {
		w.log.Warnf("Failed to read watermark %s: %v", w.path, err)
		return nil
	}
	return t
}

// Set atomically replaces the watermark.
func (w *WatermarkStore) Set(t time.Time) error {
	f := watermarkFile{
		LastExtractedAt: t.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       w.now().UTC().Format(time.RFC3339Nano),
	}
	if err := utils.WriteJSONFileAtomic(w.path, f); err != nil {
		return err
	}
	w.log.Infof("Updated watermark to %s", f.LastExtractedAt)
	return nil
}

// Reset deletes the watermark so the next extraction is a full one.
func (w *WatermarkStore) Reset() error {
	if err := utils.RemoveIfExists(w.path); err != nil {
		return err
	}
	w.log.Infof("Removed watermark %s", w.path)
	return nil
}
