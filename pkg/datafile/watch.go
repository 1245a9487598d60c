package datafile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch refreshes df whenever its live file changes outside an update.
func (s *UpdateService) watch(df *DataFile) error {
	target, err := filepath.Abs(df.Path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return watcher.Close()
	}
	s.watchers = append(s.watchers, watcher)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watchLoop(df, target, watcher)
	return nil
}

func (s *UpdateService) watchLoop(df *DataFile, target string, watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(s.debounce, func() {
				s.fileChanged(df)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("datafile watcher error", "identifier", df.Identifier, "error", err)
		}
	}
}

func (s *UpdateService) fileChanged(df *DataFile) {
	if s.ctx.Err() != nil || df.Updating() || df.Refresh == nil {
		return
	}

	info, err := os.Stat(df.Path)
	if err != nil {
		s.logger.Warn("datafile changed but cannot be read", "identifier", df.Identifier, "error", err)
		return
	}
	s.mu.Lock()
	applied, seen := s.applied[df]
	s.mu.Unlock()
	if seen && info.ModTime().Equal(applied) {
		return
	}

	if err := df.refresh(s.ctx); err != nil {
		s.logger.Warn("datafile refresh failed", "identifier", df.Identifier, "error", err)
		return
	}
	s.mu.Lock()
	s.applied[df] = info.ModTime()
	s.mu.Unlock()
	s.logger.Info("datafile reloaded from disk", "identifier", df.Identifier, "path", df.Path)
}
