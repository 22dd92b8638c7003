package cache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"transcodefs/internal/artifact"
	"transcodefs/internal/fileindex"
	"transcodefs/internal/reader"
	"transcodefs/internal/walk"
)

// NoTimeLimit disables age-based eviction entirely and, per the cull
// policy, keeps the background culler from ever starting.
const NoTimeLimit time.Duration = -1

// Limits bounds the Image Cache's resident set. A zero Count or Memory
// means that dimension is unbounded.
type Limits struct {
	Count  int
	Memory int64
	Time   time.Duration
}

type imageEntry struct {
	artifact *artifact.Artifact
	liveUses int
	lastIdle time.Time
}

// ImageCache holds completed transcode Artifacts indexed by FileIndex,
// ordered for eviction by (live_uses, last_idle_time), with optional spill
// to a persist directory.
type ImageCache struct {
	mu         sync.Mutex
	entries    map[fileindex.FileIndex]*imageEntry
	memory     int64
	limits     Limits
	persistDir string
	log        log.FieldLogger

	stopCuller chan struct{}
	cullerDone chan struct{}
}

// NewImageCache constructs an empty cache. persistDir may be empty, in
// which case evicted artifacts are simply discarded. logger may be nil.
func NewImageCache(limits Limits, persistDir string, logger log.FieldLogger) *ImageCache {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ImageCache{
		entries:    make(map[fileindex.FileIndex]*imageEntry),
		limits:     limits,
		persistDir: persistDir,
		log:        logger,
	}
}

// StartCuller launches the background culler thread, polling every 5
// seconds, unless the cache's time limit is NoTimeLimit.
func (c *ImageCache) StartCuller() {
	if c.limits.Time == NoTimeLimit || c.stopCuller != nil {
		return
	}
	c.stopCuller = make(chan struct{})
	c.cullerDone = make(chan struct{})
	go c.runCuller()
}

func (c *ImageCache) runCuller() {
	defer close(c.cullerDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCuller:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.cullLocked()
			c.mu.Unlock()
		}
	}
}

// Add inserts a freshly completed artifact with live_uses=0, then runs the
// cull policy.
func (c *ImageCache) Add(fi fileindex.FileIndex, art *artifact.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.entries[fi]; exists {
		c.memory -= old.artifact.Len()
	}
	c.entries[fi] = &imageEntry{artifact: art, lastIdle: time.Now()}
	c.memory += art.Len()
	c.cullLocked()
}

// Open returns a Reader for fi: an ArtifactReader if the artifact is
// resident, a FileReader on the spill file if one exists, or (nil, false)
// if neither.
func (c *ImageCache) Open(fi fileindex.FileIndex) (reader.Reader, bool) {
	c.mu.Lock()
	if entry, ok := c.entries[fi]; ok {
		entry.liveUses++
		img := entry.artifact
		c.mu.Unlock()
		return reader.NewArtifactReader(fi, img, func() { c.release(fi) }), true
	}
	c.mu.Unlock()

	if c.persistDir == "" {
		return nil, false
	}
	f, err := os.Open(filepath.Join(c.persistDir, fi.String()))
	if err != nil {
		return nil, false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false
	}
	return reader.NewFileReader(fi, f, info.Size()), true
}

// SizeOf reports the resident or spilled size for fi, or (0, false) if the
// cache knows nothing about it.
func (c *ImageCache) SizeOf(fi fileindex.FileIndex) (int64, bool) {
	c.mu.Lock()
	if entry, ok := c.entries[fi]; ok {
		size := entry.artifact.Len()
		c.mu.Unlock()
		return size, true
	}
	c.mu.Unlock()

	if c.persistDir == "" {
		return 0, false
	}
	info, err := os.Stat(filepath.Join(c.persistDir, fi.String()))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (c *ImageCache) release(fi fileindex.FileIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fi]
	if !ok {
		return
	}
	entry.liveUses--
	if entry.liveUses == 0 {
		entry.lastIdle = time.Now()
		c.cullLocked()
	}
}

// cullLocked implements the cull policy: iterate entries with live_uses==0
// in ascending last_idle_time order, removing while the cache is over its
// count or memory limit, or the candidate itself has aged past the time
// limit.
func (c *ImageCache) cullLocked() {
	candidates := make([]fileindex.FileIndex, 0, len(c.entries))
	for fi, entry := range c.entries {
		if entry.liveUses == 0 {
			candidates = append(candidates, fi)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return c.entries[candidates[i]].lastIdle.Before(c.entries[candidates[j]].lastIdle)
	})

	now := time.Now()
	for _, fi := range candidates {
		entry := c.entries[fi]
		overCount := c.limits.Count > 0 && len(c.entries) > c.limits.Count
		overMemory := c.limits.Memory > 0 && c.memory > c.limits.Memory
		overAge := c.limits.Time > 0 && entry.lastIdle.Before(now.Add(-c.limits.Time))
		if !overCount && !overMemory && !overAge {
			break
		}
		c.evictLocked(fi, entry)
	}
}

func (c *ImageCache) evictLocked(fi fileindex.FileIndex, entry *imageEntry) {
	if err := c.persist(fi, entry.artifact); err != nil {
		c.log.WithError(err).WithField("file_index", fi.String()).Warn("image cache: persisting evicted artifact failed")
	}
	c.memory -= entry.artifact.Len()
	delete(c.entries, fi)
}

// persist writes art to {persist_dir}/{file_index}.{uuid}.tmp and
// atomically renames it into place. The uuid suffix keeps two persists of
// the same FileIndex (eviction racing shutdown, say) from writing through
// the same temp path. A no-op if no persist directory is configured.
func (c *ImageCache) persist(fi fileindex.FileIndex, art *artifact.Artifact) error {
	if c.persistDir == "" {
		return nil
	}
	tmp := filepath.Join(c.persistDir, fi.String()+"."+uuid.NewString()+".tmp")
	final := filepath.Join(c.persistDir, fi.String())

	err := retry.Do(
		func() error { return os.WriteFile(tmp, art.Bytes(), 0o644) },
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Reconcile enumerates baseDir depth-first to compute the live FileIndex
// set, then unlinks any spill file in the persist directory whose name
// parses as a FileIndex that isn't live. filter may be nil.
func (c *ImageCache) Reconcile(baseDir string, filter *walk.Filter) error {
	if c.persistDir == "" {
		return nil
	}

	live := make(map[fileindex.FileIndex]struct{})
	var visitor walk.Visitor = walk.VisitorFunc{
		BeforeFn: func(n walk.Node) walk.Action {
			if n.Info.IsDir() {
				return walk.Continue
			}
			fi, _, err := fileindex.ProbePath(n.Path)
			if err == nil {
				live[fi] = struct{}{}
			}
			return walk.Continue
		},
	}
	if filter != nil {
		visitor = filter.Visitor(baseDir, visitor)
	}
	if err := walk.Walk(baseDir, visitor); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.persistDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := fileindex.Parse(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := live[fi]; !ok {
			os.Remove(filepath.Join(c.persistDir, entry.Name()))
		}
	}
	return nil
}

// Shutdown stops the culler and persists every remaining entry in LRU
// order before clearing the cache.
func (c *ImageCache) Shutdown() {
	if c.stopCuller != nil {
		close(c.stopCuller)
		<-c.cullerDone
		c.stopCuller = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := make([]fileindex.FileIndex, 0, len(c.entries))
	for fi := range c.entries {
		ordered = append(ordered, fi)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := c.entries[ordered[i]], c.entries[ordered[j]]
		if a.liveUses != b.liveUses {
			return a.liveUses < b.liveUses
		}
		return a.lastIdle.Before(b.lastIdle)
	})
	for _, fi := range ordered {
		entry := c.entries[fi]
		if err := c.persist(fi, entry.artifact); err != nil {
			c.log.WithError(err).WithField("file_index", fi.String()).Warn("image cache: persisting artifact at shutdown failed")
		}
	}
	c.entries = make(map[fileindex.FileIndex]*imageEntry)
	c.memory = 0
}
