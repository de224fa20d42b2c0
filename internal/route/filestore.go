package route

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/logging"
)

// routesFile is the YAML document shape.
type routesFile struct {
	Routes []Definition `yaml:"routes"`
}

// FileSource feeds a Store from a YAML file. It reloads on filesystem
// events (debounced) and on a periodic cadence as a safety net. A failed
// reload keeps the last good snapshot.
type FileSource struct {
	store    *Store
	path     string
	interval time.Duration
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}

	lastGood time.Time
}

// NewFileSource loads the file once and returns the source. The initial
// load must succeed; later failures only log.
func NewFileSource(store *Store, path string, refreshInterval time.Duration) (*FileSource, error) {
	fs := &FileSource{
		store:    store,
		path:     path,
		interval: refreshInterval,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	if fs.interval <= 0 {
		fs.interval = 30 * time.Second
	}

	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Start begins watching the file's directory and the refresh ticker.
func (fs *FileSource) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		watcher.Close()
		return err
	}
	fs.watcher = watcher

	go fs.run()
	return nil
}

// Stop terminates the reload loop.
func (fs *FileSource) Stop() {
	close(fs.done)
	if fs.watcher != nil {
		fs.watcher.Close()
	}
}

func (fs *FileSource) run() {
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(fs.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(fs.debounce, fs.reload)

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("route file watcher error", zap.Error(err))

		case <-ticker.C:
			fs.reload()
		}
	}
}

func (fs *FileSource) reload() {
	if err := fs.load(); err != nil {
		logging.Error("route reload failed, serving last known snapshot",
			zap.String("path", fs.path),
			zap.Time("last_good", fs.lastGood),
			zap.Error(err))
	}
}

func (fs *FileSource) load() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return err
	}

	var doc routesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if err := fs.store.Replace(doc.Routes); err != nil {
		return err
	}

	fs.lastGood = time.Now()
	logging.Info("route table loaded",
		zap.String("path", fs.path),
		zap.Int("routes", len(doc.Routes)))
	return nil
}
