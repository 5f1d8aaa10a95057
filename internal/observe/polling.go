package observe

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// entryMeta is the per-entry snapshot the polling strategy diffs against.
type entryMeta struct {
	dir   bool
	size  int64
	mtime int64
}

type pollRoot struct {
	opts Options
	prev map[string]entryMeta
}

// PollingObserver detects changes by rebuilding a snapshot of each
// observed root on a fixed interval and diffing it against the previous
// one. Always available; used when no native notification facility is.
type PollingObserver struct {
	cb       Callback
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	roots map[string]*pollRoot

	done     chan struct{}
	stopOnce sync.Once

	// ticking serializes poll passes so a slow walk is never diffed
	// against a half-built successor snapshot.
	ticking sync.Mutex
}

// NewPolling creates a polling observer delivering batches to cb every
// interval. A non-positive interval selects DefaultPollInterval.
func NewPolling(cb Callback, interval time.Duration, logger *slog.Logger) *PollingObserver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	o := &PollingObserver{
		cb:       cb,
		logger:   logger,
		interval: interval,
		roots:    make(map[string]*pollRoot),
		done:     make(chan struct{}),
	}

	go o.loop()

	return o
}

func (o *PollingObserver) loop() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

// Observe starts polling root. The first snapshot is taken immediately
// and primes the diff baseline without emitting records.
func (o *PollingObserver) Observe(root string, opts Options) error {
	o.mu.Lock()
	if _, exists := o.roots[root]; exists {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	prev := o.snapshot(root, opts)

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.roots[root]; exists {
		return nil
	}

	o.roots[root] = &pollRoot{opts: opts, prev: prev}
	o.logger.Debug("polling root",
		slog.String("root", root),
		slog.Bool("recursive", opts.Recursive),
		slog.Int("entries", len(prev)),
	)

	return nil
}

// Unobserve stops polling root. No-op when root is not observed.
func (o *PollingObserver) Unobserve(root string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.roots, root)
}

// Disconnect stops the poll loop. Idempotent.
func (o *PollingObserver) Disconnect() {
	o.stopOnce.Do(func() {
		close(o.done)
	})

	o.mu.Lock()
	o.roots = make(map[string]*pollRoot)
	o.mu.Unlock()
}

// tick runs one poll pass over every observed root and delivers all
// resulting records in a single callback invocation. Passes never
// overlap: a tick arriving while the previous one still walks a slow
// tree waits its turn behind the ticking lock, and the single loop
// goroutine means ticks queue rather than run concurrently.
func (o *PollingObserver) tick() {
	o.ticking.Lock()
	defer o.ticking.Unlock()

	o.mu.Lock()

	type rootWork struct {
		root string
		pr   *pollRoot
	}

	work := make([]rootWork, 0, len(o.roots))
	for root, pr := range o.roots {
		work = append(work, rootWork{root: root, pr: pr})
	}
	o.mu.Unlock()

	sort.Slice(work, func(i, j int) bool { return work[i].root < work[j].root })

	var batch []Record

	for _, w := range work {
		current := o.snapshot(w.root, w.pr.opts)
		batch = append(batch, diffSnapshots(w.root, w.pr.prev, current)...)

		o.mu.Lock()
		// The root may have been unobserved or re-primed while walking;
		// only publish the new baseline if our pollRoot is still live.
		if live, ok := o.roots[w.root]; ok && live == w.pr {
			live.prev = current
		}
		o.mu.Unlock()
	}

	if len(batch) == 0 {
		return
	}

	o.cb(batch, o)
}

// snapshot builds rel-path -> meta for root. Enumeration failures are
// swallowed: an unreadable subtree is treated as empty for this pass
// rather than aborting the whole poll.
func (o *PollingObserver) snapshot(root string, opts Options) map[string]entryMeta {
	snap := make(map[string]entryMeta)

	if !opts.Recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			o.logger.Debug("poll enumeration failed",
				slog.String("root", root),
				slog.String("error", err.Error()),
			)

			return snap
		}

		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}

			snap[entry.Name()] = metaOf(info)
		}

		return snap
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entry: hide the subtree for this pass only.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		snap[filepath.ToSlash(rel)] = metaOf(info)

		return nil
	})

	return snap
}

func metaOf(info fs.FileInfo) entryMeta {
	return entryMeta{
		dir:   info.IsDir(),
		size:  info.Size(),
		mtime: info.ModTime().UnixMilli(),
	}
}

// diffSnapshots compares two snapshots of the same root. A kind flip
// (file became directory or vice versa) emits Disappeared then Appeared
// for the key; a same-kind file with a size or mtime delta emits
// Modified. Directories only appear and disappear.
func diffSnapshots(root string, prev, current map[string]entryMeta) []Record {
	keys := make([]string, 0, len(current)+len(prev))
	for rel := range current {
		keys = append(keys, rel)
	}

	for rel := range prev {
		if _, ok := current[rel]; !ok {
			keys = append(keys, rel)
		}
	}

	sort.Strings(keys)

	var records []Record

	record := func(rel string, t ChangeType) Record {
		return Record{
			Root:          root,
			Path:          filepath.Join(root, filepath.FromSlash(rel)),
			RelComponents: relComponents(rel),
			Type:          t,
		}
	}

	for _, rel := range keys {
		cur, inCurrent := current[rel]
		old, inPrev := prev[rel]

		switch {
		case inCurrent && !inPrev:
			records = append(records, record(rel, Appeared))

		case !inCurrent && inPrev:
			records = append(records, record(rel, Disappeared))

		case cur.dir != old.dir:
			records = append(records, record(rel, Disappeared), record(rel, Appeared))

		case !cur.dir && (cur.size != old.size || cur.mtime != old.mtime):
			records = append(records, record(rel, Modified))
		}
	}

	return records
}
