package storageio

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// CSVFileName is the name of the diagnostic dump inside the output directory
const CSVFileName = "ccm.csv"

var csvHeader = []string{
	"Timestamp", "Congestion Status",
	"Cinder Devs Normal", "Cinder Devs Building", "Cinder Devs Limiting",
	"Cinder IOPS Small", "Cinder IOPS Med", "Cinder IOPS Large",
	"Guest Vols Normal", "Guest Vols Building", "Guest Vols Limiting",
	"Guest Await Small", "Guest Await Med", "Guest Await Large",
}

// CSVRecorder appends one row per cycle summary and syncs it to disk
type CSVRecorder struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
	logger *zap.Logger
}

// NewCSVRecorder creates ccm.csv in dir, or in the temp dir when dir does not exist.
// An existing file is truncated.
func NewCSVRecorder(dir string, logger *zap.Logger) (*CSVRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("csv")

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Warn("CSV output directory unavailable, using temp dir", zap.String("dir", dir))
		dir = os.TempDir()
	}
	path := filepath.Join(dir, CSVFileName)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	r := &CSVRecorder{
		path:   path,
		file:   file,
		writer: csv.NewWriter(file),
		logger: logger,
	}
	if err := r.write(csvHeader); err != nil {
		file.Close()
		return nil, err
	}

	logger.Info("Writing congestion summaries", zap.String("path", path))
	return r, nil
}

// Record appends the summary
func (r *CSVRecorder) Record(s CongestionSummary) error {
	row := make([]string, 0, len(csvHeader))
	row = append(row, s.Timestamp, s.Status.Code())
	row = appendCounts(row, s.BackendCounts)
	row = appendAverages(row, s.BackendIOPSAvg)
	row = appendCounts(row, s.GuestCounts)
	row = appendAverages(row, s.GuestAwaitAvg)
	return r.write(row)
}

func (r *CSVRecorder) write(row []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writer.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", r.path, err)
	}
	return r.file.Sync()
}

// Path returns the file being written
func (r *CSVRecorder) Path() string {
	return r.path
}

// Close closes the file
func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func appendCounts(row []string, c StatusCounts) []string {
	for _, s := range []Status{StatusNormal, StatusBuilding, StatusCongested} {
		row = append(row, strconv.Itoa(c.Get(s)))
	}
	return row
}

func appendAverages(row []string, avg WindowAverages) []string {
	for _, v := range avg {
		row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return row
}
