package sapling

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce time.Duration
}

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) { o.debounce = d }
}

// Watch reloads doc whenever its file changes on disk and calls onChange
// with the resulting edit. Reloads happen on the calling goroutine, which
// must own doc for as long as Watch runs. Watch blocks until ctx ends and
// then returns nil.
//
// The file's directory is watched rather than the file, so editors that
// save by writing a temporary file and renaming it are seen too.
func Watch(ctx context.Context, doc *CodeDocument, onChange func(EditDelta), opts ...WatchOption) error {
	o := watchOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}
	path := doc.Path()
	if path == "" {
		return ErrNoPath
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sapling: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("sapling: watch %s: %w", path, err)
	}
	doc.logger.Debug("watching for changes", "path", path, "debounce", o.debounce)

	timer := time.NewTimer(o.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			doc.logger.Trace("file changed", "path", path, "op", event.Op.String())
			timer.Reset(o.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			doc.logger.Warn("watcher error", "path", path, "error", err)

		case <-timer.C:
			delta, changed, err := doc.Reload()
			if err != nil {
				doc.logger.Warn("reload failed", "path", path, "error", err)
				continue
			}
			if changed && onChange != nil {
				onChange(delta)
			}
		}
	}
}
