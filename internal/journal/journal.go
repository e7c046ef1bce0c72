package journal

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// Journal appends one human-readable line per confirmed status event to a
// dated file, rotating at midnight UTC and gzipping the previous day.
type Journal struct {
	outputDir string
	file      *os.File
	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates a journal writing under outputDir.
func New(outputDir string) *Journal {
	return &Journal{
		outputDir: outputDir,
		stopChan:  make(chan struct{}),
	}
}

// Start opens today's file and launches the rotation timer.
func (j *Journal) Start() error {
	if err := os.MkdirAll(j.outputDir, 0o750); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	j.mu.Lock()
	err := j.openCurrent()
	j.mu.Unlock()
	if err != nil {
		return err
	}

	j.wg.Add(1)
	go j.rotationTimer()
	return nil
}

// Stop closes the current file and stops the rotation timer.
func (j *Journal) Stop() error {
	close(j.stopChan)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// Record appends one status event.
func (j *Journal) Record(ev *types.StatusEvent) error {
	line := fmt.Sprintf("%s %s %s", ev.UpdatedAt.UTC().Format(time.RFC3339), ev.JourneyID, callsign.Label(ev.Status))
	if ev.Notes != "" {
		line += " | " + ev.Notes
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		if err := j.openCurrent(); err != nil {
			return err
		}
	}
	_, err := j.file.WriteString(line + "\n")
	return err
}

// rotationTimer rotates at midnight UTC.
func (j *Journal) rotationTimer() {
	defer j.wg.Done()

	for {
		now := time.Now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

		select {
		case <-time.After(nextMidnight.Sub(now)):
			if err := j.rotateAndCompress(); err != nil {
				fmt.Printf("Error during journal rotation: %v\n", err)
			}
		case <-j.stopChan:
			return
		}
	}
}

func (j *Journal) rotateAndCompress() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		j.file.Close()
		j.file = nil
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	previous := filepath.Join(j.outputDir, fileName(yesterday))
	if _, err := os.Stat(previous); err == nil {
		if err := compressFile(previous); err != nil {
			return fmt.Errorf("failed to compress journal: %w", err)
		}
	}

	return j.openCurrent()
}

func (j *Journal) openCurrent() error {
	name := filepath.Join(j.outputDir, fileName(time.Now().UTC()))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	j.file = file
	return nil
}

func fileName(day time.Time) string {
	return fmt.Sprintf("convoy_%s.log", day.Format("2006-01-02"))
}

func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gz := gzip.NewWriter(target)
	if _, err := io.Copy(gz, source); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
