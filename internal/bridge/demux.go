package bridge

import (
	"sort"
	"sync"
	"time"
)

// Demuxer reassembles asynchronous transport results into sequence order.
// It tracks the lowest unresolved sequence (the watermark) and never emits a
// final result for sequence k+1 before k resolves, unless k's timeout fires
// first. All mutating calls happen on the I/O goroutine; the lock only
// protects the observability accessors.
type Demuxer struct {
	mu           sync.Mutex
	watermark    uint64
	tracked      map[uint64]trackedChunk
	buffered     map[uint64]Result
	emit         func(Result)
	emitPartials bool
	clock        func() time.Time
	timeouts     uint64
	dropped      uint64 // late, duplicate or stale results
}

type trackedChunk struct {
	start    time.Duration
	end      time.Duration
	deadline time.Time
}

func NewDemuxer(emit func(Result), emitPartials bool) *Demuxer {
	return &Demuxer{
		tracked:      make(map[uint64]trackedChunk),
		buffered:     make(map[uint64]Result),
		emit:         emit,
		emitPartials: emitPartials,
		clock:        time.Now,
	}
}

// Track registers a submitted chunk and its resolution deadline. Re-tracking
// after a resend refreshes the deadline.
func (d *Demuxer) Track(chunk Chunk, deadline time.Time) {
	d.mu.Lock()
	d.tracked[chunk.Sequence] = trackedChunk{start: chunk.Start, end: chunk.End, deadline: deadline}
	d.mu.Unlock()
}

// Offer feeds one transport result in. It returns the sequences resolved by
// this call, in emission order.
func (d *Demuxer) Offer(sessionID string, tr TransportResult) []uint64 {
	d.mu.Lock()
	if tr.Sequence < d.watermark {
		d.dropped++
		d.mu.Unlock()
		return nil
	}
	tc, ok := d.tracked[tr.Sequence]
	if !ok {
		d.dropped++
		d.mu.Unlock()
		return nil
	}

	if tr.Partial {
		emitIt := d.emitPartials
		d.mu.Unlock()
		if emitIt {
			d.emit(Result{
				Sequence:   tr.Sequence,
				SessionID:  sessionID,
				Text:       tr.Text,
				Confidence: tr.Confidence,
				Partial:    true,
				Status:     StatusResolved,
				Start:      tc.start,
				End:        tc.end,
			})
		}
		return nil
	}

	if _, dup := d.buffered[tr.Sequence]; dup {
		d.dropped++
		d.mu.Unlock()
		return nil
	}
	d.buffered[tr.Sequence] = Result{
		Sequence:   tr.Sequence,
		SessionID:  sessionID,
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Status:     StatusResolved,
		Start:      tc.start,
		End:        tc.end,
	}
	out := d.advanceLocked()
	d.mu.Unlock()

	return d.emitAll(out)
}

// Expire resolves every chunk whose deadline has passed while it blocks the
// watermark, emitting timeout markers in its place. Returns the sequences
// resolved.
func (d *Demuxer) Expire(now time.Time) []uint64 {
	d.mu.Lock()
	var out []Result
	for {
		if res, ok := d.buffered[d.watermark]; ok {
			delete(d.buffered, d.watermark)
			delete(d.tracked, d.watermark)
			out = append(out, res)
			d.watermark++
			continue
		}
		tc, ok := d.tracked[d.watermark]
		if !ok || now.Before(tc.deadline) {
			break
		}
		d.timeouts++
		delete(d.tracked, d.watermark)
		out = append(out, Result{
			Sequence: d.watermark,
			Status:   StatusTimeout,
			Start:    tc.start,
			End:      tc.end,
		})
		d.watermark++
	}
	d.mu.Unlock()

	return d.emitAll(out)
}

// Truncate resolves everything still outstanding with truncation markers,
// preferring a buffered final when one exists. Used on forced shutdown.
func (d *Demuxer) Truncate() []uint64 {
	return d.drainAll(StatusTruncated)
}

// Abort resolves everything still outstanding with abort markers. Used when
// the session fails permanently under the abort failure mode.
func (d *Demuxer) Abort() []uint64 {
	return d.drainAll(StatusAborted)
}

func (d *Demuxer) drainAll(status ResultStatus) []uint64 {
	d.mu.Lock()
	seqs := make([]uint64, 0, len(d.tracked)+len(d.buffered))
	for seq := range d.tracked {
		seqs = append(seqs, seq)
	}
	for seq := range d.buffered {
		if _, ok := d.tracked[seq]; !ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []Result
	for _, seq := range seqs {
		if res, ok := d.buffered[seq]; ok {
			out = append(out, res)
		} else {
			tc := d.tracked[seq]
			out = append(out, Result{
				Sequence: seq,
				Status:   status,
				Start:    tc.start,
				End:      tc.end,
			})
		}
		delete(d.buffered, seq)
		delete(d.tracked, seq)
		if seq >= d.watermark {
			d.watermark = seq + 1
		}
	}
	d.mu.Unlock()

	return d.emitAll(out)
}

// advanceLocked drains the contiguous run of buffered finals starting at the
// watermark.
func (d *Demuxer) advanceLocked() []Result {
	var out []Result
	for {
		res, ok := d.buffered[d.watermark]
		if !ok {
			break
		}
		delete(d.buffered, d.watermark)
		delete(d.tracked, d.watermark)
		out = append(out, res)
		d.watermark++
	}
	return out
}

func (d *Demuxer) emitAll(results []Result) []uint64 {
	if len(results) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(results))
	for _, res := range results {
		d.emit(res)
		seqs = append(seqs, res.Sequence)
	}
	return seqs
}

// Watermark reports the lowest unresolved sequence.
func (d *Demuxer) Watermark() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watermark
}

// Timeouts counts sequences resolved by deadline expiry.
func (d *Demuxer) Timeouts() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeouts
}

// Dropped counts late, duplicate and stale results discarded.
func (d *Demuxer) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
