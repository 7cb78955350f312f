package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/fleetsim/fleetsim/internal/simulation"
)

// Watcher monitors the .env file and pushes freshly parsed fleet
// parameters to a callback whenever the file changes, so edits take
// effect without restarting the process.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
	mu          sync.Mutex
	lastParams  simulation.Parameters
	onChange    func(simulation.Parameters)
}

// NewWatcher creates a watcher for envPath. The current parameters seed
// the change detection so rewriting the file with identical values does
// not restart the fleet.
func NewWatcher(envPath string, current simulation.Parameters, onChange func(simulation.Parameters)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:    envPath,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
		lastParams: current,
		onChange:   onChange,
	}

	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}

	return w, nil
}

// Start begins watching the file. Watching the directory rather than the
// file itself keeps atomic saves by editors visible.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

// Reload parses the file and applies any parameter change immediately.
// SIGHUP handling calls this directly.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	base := filepath.Base(w.envPath)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != base && event.Name != w.envPath {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Debounce - wait a bit for the write to complete
				time.Sleep(100 * time.Millisecond)
				log.Debug().Str("event", event.Op.String()).Msg("Detected config file change")
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback for filesystems without inotify support.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				log.Debug().Msg("Detected config file change via polling")
				w.lastModTime = stat.ModTime()
				w.reload()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("env_path", w.envPath).Msg("Failed to read config file")
		}
		return
	}

	params, err := ParseParameters(func(key string) string { return envMap[key] })
	if err != nil {
		log.Error().Err(err).Msg("Ignoring config file change")
		return
	}

	if params == w.lastParams {
		log.Debug().Msg("No relevant changes in config file")
		return
	}
	w.lastParams = params

	log.Info().
		Int("devices", params.DeviceCount).
		Int("data_points", params.DataPointsPerDevice).
		Dur("interval", params.CycleInterval).
		Uint64("seed", params.Seed).
		Msg("Applying config file change")
	w.onChange(params)
}
