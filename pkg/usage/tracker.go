// Package usage records per-request token consumption and EUR spend,
// keeps the full history queryable in memory, and persists it as
// compressed JSONL segments that are replayed on startup.
package usage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Open-Paws/privatemode-proxy/pkg/pricing"
)

const segmentMaxAge = time.Hour

// Record is one billable request, written exactly once after the
// upstream response completed successfully.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id,omitempty"`
	KeyID            string    `json:"key_id"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	AudioBytes       int       `json:"audio_bytes,omitempty"`
	CostEUR          float64   `json:"cost_eur"`
}

// Filter narrows an aggregation. Zero values match everything; To is
// exclusive.
type Filter struct {
	KeyID string
	Model string
	From  time.Time
	To    time.Time
}

func (f Filter) matches(r Record) bool {
	if f.KeyID != "" && r.KeyID != f.KeyID {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	return true
}

type ModelTotal struct {
	Model      string  `json:"model"`
	Requests   int     `json:"requests"`
	Tokens     int     `json:"tokens"`
	AudioBytes int     `json:"audio_bytes,omitempty"`
	CostEUR    float64 `json:"cost_eur"`
}

type EndpointTotal struct {
	Endpoint string  `json:"endpoint"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	CostEUR  float64 `json:"cost_eur"`
}

type KeyTotal struct {
	KeyID    string  `json:"key_id"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	CostEUR  float64 `json:"cost_eur"`
}

type DayTotal struct {
	Day      string  `json:"day"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	CostEUR  float64 `json:"cost_eur"`
}

// Summary is the roll-up of all records matching a filter.
type Summary struct {
	Requests         int             `json:"requests"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	AudioBytes       int             `json:"audio_bytes,omitempty"`
	TotalCostEUR     float64         `json:"total_cost_eur"`
	ByModel          []ModelTotal    `json:"by_model"`
	ByEndpoint       []EndpointTotal `json:"by_endpoint"`
}

// Tracker owns the usage history. All exported methods are safe for
// concurrent use.
type Tracker struct {
	mu        sync.Mutex
	dir       string
	records   []Record
	writer    *segmentWriter
	writerDay string
	subs      map[int]chan Record
	nextSub   int
	now       func() time.Time
}

// Open replays every finalized segment under dir into memory and
// prepares the tracker for appends. A missing directory starts empty.
func Open(dir string) (*Tracker, error) {
	t := &Tracker{
		dir:  dir,
		subs: map[int]chan Record{},
		now:  func() time.Time { return time.Now().UTC() },
	}
	segs, err := listSegments(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, err
	}
	for _, seg := range segs {
		if err := scanRecords(seg.path, func(r Record) {
			t.records = append(t.records, r)
		}); err != nil {
			return nil, err
		}
	}
	sort.Slice(t.records, func(i, j int) bool {
		return t.records[i].Timestamp.Before(t.records[j].Timestamp)
	})
	if len(t.records) > 0 {
		log.Info("usage history replayed", "records", len(t.records), "segments", len(segs))
	}
	return t, nil
}

// Add prices the record, appends it to memory and the open segment,
// and fans it out to live subscribers.
func (t *Tracker) Add(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	} else {
		rec.Timestamp = rec.Timestamp.UTC()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	rec.CostEUR = pricing.Cost(rec.Model, rec.TotalTokens, rec.AudioBytes)

	if err := t.appendLocked(rec); err != nil {
		return err
	}
	t.records = append(t.records, rec)
	for _, ch := range t.subs {
		select {
		case ch <- rec:
		default:
			// A stalled subscriber drops events rather than
			// blocking the request path.
		}
	}
	return nil
}

func (t *Tracker) appendLocked(rec Record) error {
	day := rec.Timestamp.Format("2006/01/02")
	if t.writer != nil && (t.writerDay != day || t.writer.shouldRotate(segmentMaxAge)) {
		if err := t.closeWriterLocked(); err != nil {
			return err
		}
	}
	if t.writer == nil {
		w, err := newSegmentWriter(filepath.Join(t.dir, day))
		if err != nil {
			return err
		}
		t.writer = w
		t.writerDay = day
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.writer.writeLine(line, rec.Timestamp)
}

func (t *Tracker) closeWriterLocked() error {
	if t.writer == nil {
		return nil
	}
	err := t.writer.close()
	t.writer = nil
	t.writerDay = ""
	return err
}

// Flush finalizes the open segment so its records survive a restart.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeWriterLocked()
}

// Close flushes and shuts down all subscriber channels.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	return t.closeWriterLocked()
}

// Subscribe returns a channel receiving every record as it is added.
// The returned cancel func must be called to release the channel.
func (t *Tracker) Subscribe() (<-chan Record, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan Record, 64)
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}
}

// Aggregate sums all matching records. Repeated calls over the same
// filter return identical results; aggregation never mutates state.
func (t *Tracker) Aggregate(f Filter) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	byModel := map[string]*ModelTotal{}
	byEndpoint := map[string]*EndpointTotal{}
	var s Summary
	for _, r := range t.records {
		if !f.matches(r) {
			continue
		}
		s.Requests++
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.TotalTokens += r.TotalTokens
		s.AudioBytes += r.AudioBytes
		s.TotalCostEUR += r.CostEUR

		m := byModel[r.Model]
		if m == nil {
			m = &ModelTotal{Model: r.Model}
			byModel[r.Model] = m
		}
		m.Requests++
		m.Tokens += r.TotalTokens
		m.AudioBytes += r.AudioBytes
		m.CostEUR += r.CostEUR

		e := byEndpoint[r.Endpoint]
		if e == nil {
			e = &EndpointTotal{Endpoint: r.Endpoint}
			byEndpoint[r.Endpoint] = e
		}
		e.Requests++
		e.Tokens += r.TotalTokens
		e.CostEUR += r.CostEUR
	}

	s.ByModel = make([]ModelTotal, 0, len(byModel))
	for _, m := range byModel {
		s.ByModel = append(s.ByModel, *m)
	}
	sort.Slice(s.ByModel, func(i, j int) bool { return s.ByModel[i].CostEUR > s.ByModel[j].CostEUR })

	s.ByEndpoint = make([]EndpointTotal, 0, len(byEndpoint))
	for _, e := range byEndpoint {
		s.ByEndpoint = append(s.ByEndpoint, *e)
	}
	sort.Slice(s.ByEndpoint, func(i, j int) bool { return s.ByEndpoint[i].CostEUR > s.ByEndpoint[j].CostEUR })

	return s
}

// ByKey groups matching records per API key, highest spend first.
func (t *Tracker) ByKey(f Filter) []KeyTotal {
	t.mu.Lock()
	defer t.mu.Unlock()

	byKey := map[string]*KeyTotal{}
	for _, r := range t.records {
		if !f.matches(r) {
			continue
		}
		k := byKey[r.KeyID]
		if k == nil {
			k = &KeyTotal{KeyID: r.KeyID}
			byKey[r.KeyID] = k
		}
		k.Requests++
		k.Tokens += r.TotalTokens
		k.CostEUR += r.CostEUR
	}
	out := make([]KeyTotal, 0, len(byKey))
	for _, k := range byKey {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostEUR > out[j].CostEUR })
	return out
}

// ByDay groups matching records per UTC day in chronological order.
func (t *Tracker) ByDay(f Filter) []DayTotal {
	t.mu.Lock()
	defer t.mu.Unlock()

	byDay := map[string]*DayTotal{}
	for _, r := range t.records {
		if !f.matches(r) {
			continue
		}
		day := r.Timestamp.Format("2006-01-02")
		d := byDay[day]
		if d == nil {
			d = &DayTotal{Day: day}
			byDay[day] = d
		}
		d.Requests++
		d.Tokens += r.TotalTokens
		d.CostEUR += r.CostEUR
	}
	out := make([]DayTotal, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}
