package report

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
	"github.com/emfacilities/emfac/thumb"
)

// ThumbState is the lifecycle of one thumbnail.
type ThumbState int

const (
	ThumbMissing ThumbState = iota
	ThumbPending
	ThumbReady
)

func (s ThumbState) String() string {
	switch s {
	case ThumbPending:
		return "PENDING"
	case ThumbReady:
		return "READY"
	default:
		return "MISSING"
	}
}

// Thumbnail categories and the report sub-directory each renders into.
const (
	ThumbMic   = "mic"
	ThumbPSD   = "psd"
	ThumbShift = "shift"
)

var thumbDirs = map[string]string{
	ThumbMic:   "mic_thumbs",
	ThumbPSD:   "psd_thumbs",
	ThumbShift: "shift_thumbs",
}

// Thumb is one registry entry. Path is relative to the report folder.
type Thumb struct {
	ItemID   int64
	Category string
	Source   string
	Path     string
	State    ThumbState
	attempts int
}

type thumbKey struct {
	item     int64
	category string
}

// MaxInline is the number of thumbnails rendered inside Step; a larger
// backlog goes to the worker.
const MaxInline = 10

// MaxThumbAttempts bounds retries of a thumbnail whose source never renders.
const MaxThumbAttempts = 3

// ThumbRegistry maps item ids to thumbnails and renders the backlog. It is
// owned by the report's Step; the worker goroutine only sees copies and
// reports back through a channel.
type ThumbRegistry struct {
	folder  string
	maxSide int
	log     *zap.SugaredLogger
	render  func(src, dir string, maxSide int) (string, error)

	entries map[thumbKey]*Thumb

	jobs    chan []Thumb
	results chan []Thumb
	busy    bool
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
}

// NewThumbRegistry creates a registry rendering into folder.
func NewThumbRegistry(folder string, maxSide int, log *zap.SugaredLogger) *ThumbRegistry {
	return &ThumbRegistry{
		folder:  folder,
		maxSide: maxSide,
		log:     logger.WithSymbol(logger.OrNop(log).Named("thumbs"), sym.Thumb),
		render:  thumb.Make,
		entries: map[thumbKey]*Thumb{},
		jobs:    make(chan []Thumb, 1),
		results: make(chan []Thumb, 1),
	}
}

// Add registers a source for item. Empty sources and known entries are
// ignored.
func (r *ThumbRegistry) Add(item int64, category, source string) {
	if source == "" {
		return
	}
	k := thumbKey{item, category}
	if _, ok := r.entries[k]; ok {
		return
	}
	r.entries[k] = &Thumb{ItemID: item, Category: category, Source: source}
}

// Reconcile applies worker completions, then renders up to MaxInline
// missing thumbnails in place or hands a larger backlog to the worker.
// While a worker job is in flight nothing else renders; new entries stay
// MISSING until its completion has been applied.
func (r *ThumbRegistry) Reconcile(ctx context.Context) {
	r.drain()
	if r.busy {
		return
	}

	backlog := r.missing()
	if len(backlog) == 0 {
		return
	}
	if len(backlog) <= MaxInline {
		for _, t := range backlog {
			r.apply(r.renderOne(*t))
		}
		return
	}

	r.start(ctx)
	job := make([]Thumb, len(backlog))
	for i, t := range backlog {
		t.State = ThumbPending
		job[i] = *t
	}
	r.busy = true
	r.jobs <- job
	r.log.Infow("Thumbnail backlog handed to worker", logger.FieldCount, len(job))
}

// drain applies a finished worker job, if any, without blocking.
func (r *ThumbRegistry) drain() {
	select {
	case done := <-r.results:
		for _, t := range done {
			r.apply(t)
		}
		r.busy = false
	default:
	}
}

// Wait blocks until the in-flight worker job, if any, completes and applies
// it.
func (r *ThumbRegistry) Wait(ctx context.Context) {
	if !r.busy {
		return
	}
	select {
	case done := <-r.results:
		for _, t := range done {
			r.apply(t)
		}
		r.busy = false
	case <-ctx.Done():
	}
}

func (r *ThumbRegistry) start(ctx context.Context) {
	r.once.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for job := range r.jobs {
				out := make([]Thumb, len(job))
				for i, t := range job {
					if ctx.Err() != nil {
						t.State = ThumbMissing
						out[i] = t
						continue
					}
					out[i] = r.renderOne(t)
				}
				r.results <- out
			}
		}()
	})
}

// renderOne works on a copy so it is safe from the worker goroutine.
func (r *ThumbRegistry) renderOne(t Thumb) Thumb {
	dir := filepath.Join(r.folder, thumbDirs[t.Category])
	path, err := r.render(t.Source, dir, r.maxSide)
	if err != nil {
		t.attempts++
		t.State = ThumbMissing
		r.log.Warnw("Thumbnail render failed",
			logger.FieldItemID, t.ItemID,
			logger.FieldPath, t.Source,
			"attempt", t.attempts,
			logger.FieldError, err,
		)
		return t
	}
	rel, err := filepath.Rel(r.folder, path)
	if err != nil {
		rel = path
	}
	t.Path = filepath.ToSlash(rel)
	t.State = ThumbReady
	return t
}

func (r *ThumbRegistry) apply(t Thumb) {
	k := thumbKey{t.ItemID, t.Category}
	if e, ok := r.entries[k]; ok {
		*e = t
	}
}

func (r *ThumbRegistry) missing() []*Thumb {
	var out []*Thumb
	for _, t := range r.entries {
		if t.State == ThumbMissing && t.attempts < MaxThumbAttempts {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Settled reports whether nothing is pending or still worth retrying.
func (r *ThumbRegistry) Settled() bool {
	return !r.busy && len(r.missing()) == 0
}

// Counts returns the number of entries per state.
func (r *ThumbRegistry) Counts() map[ThumbState]int {
	c := map[ThumbState]int{}
	for _, t := range r.entries {
		c[t.State]++
	}
	return c
}

// ThumbLinks is one item's thumbnails as exposed to the dashboard. Only
// READY thumbnails carry a path; Pending marks placeholders.
type ThumbLinks struct {
	ItemID  int64             `json:"id"`
	Paths   map[string]string `json:"paths"`
	Pending bool              `json:"pending"`
}

// Links returns the dashboard view of every item in id order.
func (r *ThumbRegistry) Links() []ThumbLinks {
	byItem := map[int64]*ThumbLinks{}
	for _, t := range r.entries {
		l, ok := byItem[t.ItemID]
		if !ok {
			l = &ThumbLinks{ItemID: t.ItemID, Paths: map[string]string{}}
			byItem[t.ItemID] = l
		}
		switch t.State {
		case ThumbReady:
			l.Paths[t.Category] = t.Path
		case ThumbPending:
			l.Pending = true
		}
	}
	out := make([]ThumbLinks, 0, len(byItem))
	for _, l := range byItem {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Close stops the worker after its in-flight job.
func (r *ThumbRegistry) Close() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.jobs)
	// unblock a worker waiting to deliver
	go func() {
		for range r.results {
		}
	}()
	r.wg.Wait()
	close(r.results)
}
