package observe

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// notifySettleDelay is how long a path must be quiet before its pending
// event is flushed, so rapid write bursts collapse into one record.
const notifySettleDelay = 300 * time.Millisecond

type pendingChange struct {
	typ ChangeType
	at  time.Time
}

// NotifyObserver is the native strategy, backed by the host's change
// notification facility via fsnotify. Events are debounced and delivered
// in batches on a flush ticker.
type NotifyObserver struct {
	watcher *fsnotify.Watcher
	cb      Callback
	logger  *slog.Logger
	flush   time.Duration

	mu    sync.Mutex
	roots map[string]Options

	done     chan struct{}
	stopOnce sync.Once
}

func newNotifyObserver(w *fsnotify.Watcher, cb Callback, flush time.Duration, logger *slog.Logger) *NotifyObserver {
	if flush <= 0 {
		flush = DefaultPollInterval
	}

	o := &NotifyObserver{
		watcher: w,
		cb:      cb,
		logger:  logger,
		flush:   flush,
		roots:   make(map[string]Options),
		done:    make(chan struct{}),
	}

	go o.loop()

	return o
}

// Observe starts watching root. Recursive observation walks the subtree
// and adds a watch for every directory; new directories created later
// are picked up from their Create events.
func (o *NotifyObserver) Observe(root string, opts Options) error {
	o.mu.Lock()
	if _, exists := o.roots[root]; exists {
		o.mu.Unlock()
		return nil
	}

	o.roots[root] = opts
	o.mu.Unlock()

	if !opts.Recursive {
		return o.watcher.Add(root)
	}

	return o.addRecursive(root)
}

// Unobserve stops watching root and any subdirectory watches under it.
// No-op when root is not observed.
func (o *NotifyObserver) Unobserve(root string) {
	o.mu.Lock()
	_, existed := o.roots[root]
	delete(o.roots, root)
	o.mu.Unlock()

	if !existed {
		return
	}

	for _, watched := range o.watcher.WatchList() {
		if watched == root || strings.HasPrefix(watched, root+string(os.PathSeparator)) {
			_ = o.watcher.Remove(watched)
		}
	}
}

// Disconnect stops the event loop and releases the native watcher.
// Idempotent.
func (o *NotifyObserver) Disconnect() {
	o.stopOnce.Do(func() {
		close(o.done)
		_ = o.watcher.Close()
	})
}

func (o *NotifyObserver) loop() {
	pending := make(map[string]pendingChange)

	ticker := time.NewTicker(o.flush)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return

		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}

			o.absorb(pending, event)

		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}

			o.logger.Warn("native watcher error", slog.String("error", err.Error()))
			o.emitErrored()

		case <-ticker.C:
			o.flushPending(pending)
		}
	}
}

// absorb folds one fsnotify event into the pending map. Later events for
// the same path replace earlier ones, except that Modified never
// downgrades a pending Appeared: the entry is still new to consumers.
func (o *NotifyObserver) absorb(pending map[string]pendingChange, event fsnotify.Event) {
	now := time.Now()

	switch {
	case event.Has(fsnotify.Create):
		pending[event.Name] = pendingChange{typ: Appeared, at: now}

		// New directories under a recursive root join the watch set.
		// Lstat so a symlink cannot pull in a tree outside the root.
		if _, opts, ok := o.owningRoot(event.Name); ok && opts.Recursive {
			info, err := os.Lstat(event.Name)
			if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
				_ = o.addRecursive(event.Name)
			}
		}

	case event.Has(fsnotify.Write):
		if prior, ok := pending[event.Name]; ok && prior.typ == Appeared {
			pending[event.Name] = pendingChange{typ: Appeared, at: now}
			return
		}

		pending[event.Name] = pendingChange{typ: Modified, at: now}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Rename reports the old path; the new path fires Create on its
		// own, so the pair surfaces as Disappeared plus Appeared.
		pending[event.Name] = pendingChange{typ: Disappeared, at: now}
		_ = o.watcher.Remove(event.Name)

	case event.Has(fsnotify.Chmod):
		// Metadata-only; content is unchanged.

	default:
		pending[event.Name] = pendingChange{typ: Unknown, at: now}
	}
}

// flushPending collects settled pending events into one batch.
func (o *NotifyObserver) flushPending(pending map[string]pendingChange) {
	now := time.Now()

	paths := make([]string, 0, len(pending))
	for path, pc := range pending {
		if now.Sub(pc.at) >= notifySettleDelay {
			paths = append(paths, path)
		}
	}

	if len(paths) == 0 {
		return
	}

	sort.Strings(paths)

	var batch []Record

	for _, path := range paths {
		pc := pending[path]
		delete(pending, path)

		root, _, ok := o.owningRoot(path)
		if !ok {
			continue
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			continue
		}

		batch = append(batch, Record{
			Root:          root,
			Path:          path,
			RelComponents: relComponents(filepath.ToSlash(rel)),
			Type:          pc.typ,
		})
	}

	if len(batch) == 0 {
		return
	}

	o.cb(batch, o)
}

// emitErrored reports a stream failure for every observed root so
// consumers can treat their view of those roots as suspect.
func (o *NotifyObserver) emitErrored() {
	o.mu.Lock()
	roots := make([]string, 0, len(o.roots))
	for root := range o.roots {
		roots = append(roots, root)
	}
	o.mu.Unlock()

	if len(roots) == 0 {
		return
	}

	sort.Strings(roots)

	batch := make([]Record, 0, len(roots))
	for _, root := range roots {
		batch = append(batch, Record{Root: root, Path: root, Type: Errored})
	}

	o.cb(batch, o)
}

// owningRoot returns the observed root containing path, longest match
// first so nested roots resolve to the deepest one.
func (o *NotifyObserver) owningRoot(path string) (string, Options, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		best     string
		bestOpts Options
		found    bool
	)

	for root, opts := range o.roots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			if !found || len(root) > len(best) {
				best = root
				bestOpts = opts
				found = true
			}
		}
	}

	return best, bestOpts, found
}

func (o *NotifyObserver) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return o.watcher.Add(path)
	})
}
