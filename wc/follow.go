package wc

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// FollowDelay is how long Follow waits for link events to settle.
var FollowDelay = 200 * time.Millisecond

// Follow calls fn each time a new revision link shows up in revDir,
// until ctx is done or fn fails.  Bursts of events make one call.
func Follow(ctx context.Context, revDir string, fn func() error) (err error) {
	defer Return(&err)
	watcher, err := fsnotify.NewWatcher()
	Ck(err)
	defer watcher.Close()
	err = watcher.Add(revDir)
	Ck(err)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(FollowDelay)
			}
		case <-debounce:
			debounce = nil
			err = fn()
			if err != nil {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("follow %s: %v", revDir, err)
		}
	}
}
