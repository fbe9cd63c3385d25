package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const overlayDebounce = 200 * time.Millisecond

// LoadOverlay reads a YAML file of KEY: value pairs using the environment
// variable names of LiveKeys.
func LoadOverlay(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config overlay: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

// ApplyOverlay loads path and applies it to live.
func ApplyOverlay(path string, live *Live) ([]string, error) {
	values, err := LoadOverlay(path)
	if err != nil {
		return nil, err
	}
	return live.Apply(values)
}

// WatchOverlay re-applies path whenever it changes, until ctx is done.
// The parent directory is watched so editors that replace the file are
// handled.
func WatchOverlay(ctx context.Context, path string, live *Live) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info().Str("path", abs).Msg("watching config overlay")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		changed, err := ApplyOverlay(abs, live)
		if err != nil {
			log.Error().Err(err).Str("path", abs).Msg("config overlay rejected")
			return
		}
		log.Info().Strs("changed", changed).Msg("config overlay applied")
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(overlayDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Warn().Err(err).Msg("config overlay watcher error")
		}
	}
}
