// Package workspace lays out the daemon's data directory and guards it with a lock file
// so that only one daemon owns a queue at a time.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/syncq/internal/utils"
)

const (
	logsDir     = "logs"
	metadataDir = ".data"
	lockFile    = "syncq.lock"
	queueDB     = "queue.db"
	recordsDB   = "records.db"
	logFile     = "syncq.log"
	configFile  = "config.yaml"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

type Workspace struct {
	Root        string
	MetadataDir string
	LogsDir     string
	QueueDB     string
	RecordsDB   string
	LogFile     string
	ConfigFile  string

	flock *flock.Flock
}

func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)
	logs := filepath.Join(root, logsDir)

	return &Workspace{
		Root:        root,
		MetadataDir: meta,
		LogsDir:     logs,
		QueueDB:     filepath.Join(meta, queueDB),
		RecordsDB:   filepath.Join(meta, recordsDB),
		LogFile:     filepath.Join(logs, logFile),
		ConfigFile:  filepath.Join(root, configFile),
		flock:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

// Unlock releases and removes the lock file, but only if this process holds it.
func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

func (w *Workspace) Locked() bool {
	return w.flock.Locked()
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	for _, dir := range []string{w.MetadataDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			_ = w.Unlock()
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	slog.Info("workspace", "root", w.Root)
	return nil
}
