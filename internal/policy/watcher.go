package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/cel"
)

// ReloadedEvent reports the outcome of a policy reload
type ReloadedEvent struct {
	Timestamp time.Time
	Path      string
	Rules     int
	Error     error
}

// FileWatcher watches a single policy file and swaps the Guard's checker
// when the file changes. A reload that fails to parse or compile keeps the
// previous checker active.
type FileWatcher struct {
	watcher         *fsnotify.Watcher
	path            string
	guard           *Guard
	engine          *cel.Engine
	logger          *zap.Logger
	debounceTimeout time.Duration
	debounceTimer   *time.Timer
	eventChan       chan ReloadedEvent
	stopChan        chan struct{}
	mu              sync.RWMutex
	isWatching      bool
}

// NewFileWatcher creates a watcher for the policy file at path
func NewFileWatcher(path string, guard *Guard, engine *cel.Engine, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		return nil, fmt.Errorf("guard is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:         watcher,
		path:            abs,
		guard:           guard,
		engine:          engine,
		logger:          logger,
		debounceTimeout: 500 * time.Millisecond,
		eventChan:       make(chan ReloadedEvent, 10),
		stopChan:        make(chan struct{}),
	}, nil
}

// Watch starts watching. The parent directory is watched rather than the
// file itself so editors that replace the file by rename are still seen.
func (fw *FileWatcher) Watch(ctx context.Context) error {
	fw.mu.Lock()
	if fw.isWatching {
		fw.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	fw.isWatching = true
	fw.mu.Unlock()

	if err := fw.watcher.Add(filepath.Dir(fw.path)); err != nil {
		fw.mu.Lock()
		fw.isWatching = false
		fw.mu.Unlock()
		return fmt.Errorf("failed to add path to watcher: %w", err)
	}

	fw.logger.Info("Starting metadata policy watcher",
		zap.String("path", fw.path),
		zap.Duration("debounce", fw.debounceTimeout),
	)

	go fw.watchLoop(ctx)
	return nil
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer func() {
		fw.mu.Lock()
		fw.isWatching = false
		fw.mu.Unlock()
		fw.logger.Info("Metadata policy watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.shouldProcessEvent(event) {
				fw.handleEvent(event)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

func (fw *FileWatcher) shouldProcessEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != fw.path {
		return false
	}
	// a removed file keeps the last good policy; the following create reloads it
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.logger.Debug("Metadata policy change detected",
		zap.String("file", event.Name),
		zap.String("op", event.Op.String()),
	)

	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceTimer = time.AfterFunc(fw.debounceTimeout, fw.Reload)
}

// Reload loads the policy file and swaps it in if it is valid
func (fw *FileWatcher) Reload() {
	event := ReloadedEvent{Timestamp: time.Now(), Path: fw.path}

	checker, err := LoadChecker(fw.path, fw.engine, fw.logger)
	if err != nil {
		fw.logger.Error("Metadata policy reload rejected; keeping previous policy",
			zap.String("path", fw.path),
			zap.Error(err),
		)
		event.Error = err
	} else {
		fw.guard.Swap(checker)
		event.Rules = len(checker.rules)
		fw.logger.Info("Metadata policy reloaded",
			zap.String("path", fw.path),
			zap.Int("rules", event.Rules),
			zap.Int("prohibited_keys", len(checker.prohibited)),
		)
	}

	fw.publish(event)
}

func (fw *FileWatcher) publish(event ReloadedEvent) {
	fw.mu.RLock()
	defer fw.mu.RUnlock()

	select {
	case <-fw.stopChan:
		return
	default:
	}

	select {
	case fw.eventChan <- event:
	default:
		fw.logger.Warn("Dropping policy reload event; no reader")
	}
}

// EventChan returns a channel for receiving reload events
func (fw *FileWatcher) EventChan() <-chan ReloadedEvent {
	return fw.eventChan
}

// Stop stops watching for file changes
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	select {
	case <-fw.stopChan:
		return nil
	default:
	}
	close(fw.stopChan)

	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}

	if err := fw.watcher.Close(); err != nil {
		fw.logger.Error("Error closing watcher", zap.Error(err))
		return err
	}
	return nil
}

// SetDebounceTimeout sets the debounce timeout for file changes
func (fw *FileWatcher) SetDebounceTimeout(d time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.debounceTimeout = d
}

// IsWatching returns true if the watcher is currently active
func (fw *FileWatcher) IsWatching() bool {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.isWatching
}

// LoadChecker reads a policy file and compiles it
func LoadChecker(path string, engine *cel.Engine, logger *zap.Logger) (*Checker, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewChecker(p, engine, logger)
}
