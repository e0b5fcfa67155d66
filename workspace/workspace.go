// Package workspace watches an agent's working directory and records the
// files that change while the agent runs.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/m4xw311/arbor/errors"
	"go.uber.org/zap"
)

var skipDirs = map[string]bool{
	".git":         true,
	".arbor":       true,
	"node_modules": true,
}

// Guard is an agent resource: releasing it stops the watcher.
type Guard struct {
	root    string
	log     *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.Mutex
	touched map[string]bool
	closed  bool
}

// Watch starts watching root and every directory below it.
func Watch(root string, log *zap.Logger) (*Guard, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid workspace %q", root)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create watcher")
	}
	g := &Guard{
		root:    abs,
		log:     log.With(zap.String("component", "workspace"), zap.String("root", abs)),
		watcher: watcher,
		done:    make(chan struct{}),
		touched: make(map[string]bool),
	}
	if err := g.addTree(abs); err != nil {
		watcher.Close()
		return nil, err
	}
	go g.loop()
	return g, nil
}

func (g *Guard) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return errors.Wrapf(err, "failed to watch %s", dir)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := g.watcher.Add(path); err != nil {
			return errors.Wrapf(err, "failed to watch %s", path)
		}
		return nil
	})
}

func (g *Guard) loop() {
	defer close(g.done)
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.record(event)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.log.Debug("watch error", zap.Error(err))
		}
	}
}

func (g *Guard) record(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDirs[info.Name()] {
				if err := g.addTree(event.Name); err != nil {
					g.log.Debug("could not watch new directory", zap.Error(err))
				}
			}
			return
		}
	}
	rel, err := filepath.Rel(g.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	g.mu.Lock()
	g.touched[filepath.ToSlash(rel)] = true
	g.mu.Unlock()
}

// Files returns the touched paths relative to the root, sorted.
func (g *Guard) Files() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.touched))
	for f := range g.touched {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Release stops watching. It is safe to call more than once.
func (g *Guard) Release() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	err := g.watcher.Close()
	<-g.done
	return err
}
