package devlog

import "sort"

// Merge orders the union of the per-format record lists by synthetic time,
// then per-format sequence, then format priority, and numbers the result
// from 1. The input slices are not modified.
func Merge(streams ...[]Record) []Record {
	n := 0
	for _, s := range streams {
		n += len(s)
	}
	out := make([]Record, 0, n)
	for _, s := range streams {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SyntheticTimeMs != b.SyntheticTimeMs {
			return a.SyntheticTimeMs < b.SyntheticTimeMs
		}
		if a.SourceSeq != b.SourceSeq {
			return a.SourceSeq < b.SourceSeq
		}
		return a.Type.priority() < b.Type.priority()
	})
	for i := range out {
		out[i].GlobalSeq = i + 1
	}
	return out
}

// stampUntimed gives records without a device clock the given synthetic time.
func stampUntimed(recs []Record, ms int64) {
	for i := range recs {
		if !recs[i].Timed {
			recs[i].SyntheticTimeMs = ms
		}
	}
}
