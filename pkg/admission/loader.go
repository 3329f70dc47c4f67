package admission

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 300 * time.Millisecond

// loadModules reads every .rego file under paths, keyed by file path.
func loadModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string)
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return nil
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			modules[path] = string(src)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}
	return modules, nil
}

// Watch reloads the policies whenever a .rego file under the configured
// paths is written, created, removed or renamed. It blocks until ctx is
// done. A policy set that fails to compile is logged and the previous one
// stays active.
func (c *Controller) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(c.paths) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	c.log.Info().Strs("paths", c.paths).Msg("watching admission policies")

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := c.Reload(ctx); err != nil {
				c.log.Error().Err(err).Msg("failed to reload admission policies, keeping previous set")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Error().Err(err).Msg("policy watcher error")
		}
	}
}

// watchDirs returns the directories to watch: each directory under a
// directory path, and the parent of a file path.
func watchDirs(paths []string) []string {
	seen := make(map[string]bool)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			seen[filepath.Dir(p)] = true
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				seen[path] = true
			}
			return nil
		})
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}
