package devlog

import "time"

// DefaultResetThreshold is how far the raw clock must step backwards before
// the step is treated as a device reset rather than jitter.
const DefaultResetThreshold = 60 * time.Second

// Marker tags a timestamp with an event that affects the timeline.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerTimeChange
)

// TimeState is the synchronizer's mutable state.
type TimeState struct {
	Started         bool  `json:"started"`
	LastRawMs       int64 `json:"lastRawMs"`
	LastSyntheticMs int64 `json:"lastSyntheticMs"`
	OffsetMs        int64 `json:"offsetMs"`
	Resets          int   `json:"resets"`
	TimeChanges     int   `json:"timeChanges"`
	UserTimeChange  bool  `json:"userTimeChange"`
}

// Synchronizer maps a device's raw clock onto one non-decreasing synthetic
// timeline. Timestamps of one stream must be fed in raw (stream) order.
type Synchronizer struct {
	thresholdMs int64
	state       TimeState
	segments    []Segment
}

func NewSynchronizer(threshold time.Duration) *Synchronizer {
	if threshold <= 0 {
		threshold = DefaultResetThreshold
	}
	return &Synchronizer{thresholdMs: threshold.Milliseconds()}
}

// Reset rewinds to the initial state.
func (s *Synchronizer) Reset() {
	s.state = TimeState{}
	s.segments = nil
}

func (s *Synchronizer) State() TimeState {
	return s.state
}

// SyntheticTime maps raw under the current state without changing it.
func (s *Synchronizer) SyntheticTime(rawMs int64) int64 {
	t := rawMs + s.state.OffsetMs
	if s.state.Started && t < s.state.LastSyntheticMs {
		return s.state.LastSyntheticMs
	}
	return t
}

func (s *Synchronizer) jumped(rawMs int64) bool {
	d := rawMs - s.state.LastRawMs
	if d < 0 {
		d = -d
	}
	return d > s.thresholdMs
}

// reanchor makes rawMs continue the synthetic timeline from its last value
// and opens a new segment.
func (s *Synchronizer) reanchor(rawMs int64) {
	s.state.OffsetMs = s.state.LastSyntheticMs - rawMs
	s.segments = append(s.segments, Segment{StartRawMs: rawMs, EndRawMs: rawMs, OffsetMs: s.state.OffsetMs})
}

func (s *Synchronizer) widen(rawMs int64) {
	seg := &s.segments[len(s.segments)-1]
	if rawMs < seg.StartRawMs {
		seg.StartRawMs = rawMs
	}
	if rawMs > seg.EndRawMs {
		seg.EndRawMs = rawMs
	}
}

// Advance feeds the next raw timestamp and returns its synthetic time.
// A backward step larger than the threshold is a reset. After a time-change
// marker, the first step larger than the threshold in either direction
// (including on the marker itself) re-anchors the timeline.
func (s *Synchronizer) Advance(rawMs int64, marker Marker) int64 {
	st := &s.state
	if !st.Started {
		st.Started = true
		st.LastRawMs = rawMs
		st.LastSyntheticMs = rawMs
		st.UserTimeChange = marker == MarkerTimeChange
		s.segments = append(s.segments[:0], Segment{StartRawMs: rawMs, EndRawMs: rawMs})
		return rawMs
	}
	if marker == MarkerTimeChange {
		st.UserTimeChange = true
	}
	switch {
	case st.UserTimeChange && s.jumped(rawMs):
		s.reanchor(rawMs)
		st.TimeChanges++
		st.UserTimeChange = false
	case rawMs < st.LastRawMs-s.thresholdMs:
		s.reanchor(rawMs)
		st.Resets++
	default:
		s.widen(rawMs)
	}
	syn := s.SyntheticTime(rawMs)
	st.LastRawMs = rawMs
	st.LastSyntheticMs = syn
	return syn
}

// Segment is a run of raw time sharing one offset: the span between two
// re-anchors of the reference stream.
type Segment struct {
	StartRawMs int64 `json:"startRawMs"`
	EndRawMs   int64 `json:"endRawMs"`
	OffsetMs   int64 `json:"offsetMs"`
}

// Timeline is the segment map built while a reference stream was fed
// through Advance. Other streams of the same device are mapped onto it so
// every stream shares one set of offsets.
type Timeline struct {
	Segments    []Segment `json:"segments"`
	ToleranceMs int64     `json:"toleranceMs"`
}

// Timeline returns a copy of the segments recorded since the last Reset.
func (s *Synchronizer) Timeline() Timeline {
	return Timeline{
		Segments:    append([]Segment(nil), s.segments...),
		ToleranceMs: s.thresholdMs,
	}
}

func (t Timeline) covers(i int, rawMs int64) bool {
	seg := t.Segments[i]
	return rawMs >= seg.StartRawMs-t.ToleranceMs && rawMs <= seg.EndRawMs+t.ToleranceMs
}

// Cursor starts a mapping of one stream onto the timeline. A cursor only
// moves forward through the segments.
func (t Timeline) Cursor() *TimelineCursor {
	return &TimelineCursor{tl: t}
}

// TimelineCursor maps the raw timestamps of one stream, fed in stream order.
type TimelineCursor struct {
	tl      Timeline
	seg     int
	started bool
	lastRaw int64
	lastSyn int64
}

// Map returns the synthetic time of rawMs. The cursor stays in its current
// segment while that segment covers rawMs. It moves to the next covering
// segment when the segment does not, or when the stream itself steps back
// by more than the tolerance. Results never decrease.
func (c *TimelineCursor) Map(rawMs int64) int64 {
	var offset int64
	if n := len(c.tl.Segments); n > 0 {
		stepBack := c.started && rawMs < c.lastRaw-c.tl.ToleranceMs
		if stepBack || !c.tl.covers(c.seg, rawMs) {
			for j := c.seg + 1; j < n; j++ {
				if c.tl.covers(j, rawMs) {
					c.seg = j
					break
				}
			}
		}
		offset = c.tl.Segments[c.seg].OffsetMs
	}
	syn := rawMs + offset
	if c.started && syn < c.lastSyn {
		syn = c.lastSyn
	}
	c.started = true
	c.lastRaw = rawMs
	c.lastSyn = syn
	return syn
}
