package rededup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch keeps the index current: it watches every directory under the
// repository root and runs a refresh once a burst of filesystem events
// settles. New directories join the watch as they appear. Watch returns
// when ctx is cancelled.
func (r *Repository) Watch(ctx context.Context, settle time.Duration) (err error) {
	if err = r.EnsureReady(); err != nil {
		return err
	}
	if settle <= 0 {
		settle = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	err = watcher.Add(r.Root)
	if err != nil {
		return err
	}
	err = walkDirs(r.Root, func(abs string) error {
		return watcher.Add(abs)
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if filepath.Base(event.Name) == IndexDirName || under(event.Name, filepath.Join(r.Root, IndexDirName)) {
				continue
			}
			log.Debugf("event %v", event)
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, serr := os.Lstat(event.Name); serr == nil && info.IsDir() {
					if werr := watcher.Add(event.Name); werr != nil {
						log.Warnf("cannot watch %s: %v", event.Name, werr)
					}
				}
			}
			if !pending {
				pending = true
			} else if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(settle)
		case werr := <-watcher.Errors:
			log.Warnf("watcher: %v", werr)
		case <-timer.C:
			pending = false
			log.Infof("change detected; refreshing %s", r.Root)
			if rerr := r.Refresh(ctx); rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warnf("refresh failed: %v", rerr)
			}
		}
	}
}

// under reports whether p lies at or below dir.
func under(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
