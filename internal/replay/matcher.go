package replay

import (
	"github.com/dgnsrekt/netreplay/internal/types"
)

type indexedRecord struct {
	types.KeyedRecord
	parts types.URLParts
}

// Index is a Recording prepared for matching: records in capture order with
// their URLs parsed once.
type Index struct {
	records []indexedRecord
}

// NewIndex builds the index. Records whose URL cannot be parsed are skipped.
func NewIndex(rec *types.Recording) *Index {
	idx := &Index{}
	for _, kr := range rec.Records() {
		parts, err := types.ParseURLParts(kr.Record.URL)
		if err != nil {
			continue
		}
		idx.records = append(idx.records, indexedRecord{KeyedRecord: kr, parts: parts})
	}
	return idx
}

// Len returns the number of matchable records.
func (idx *Index) Len() int { return len(idx.records) }

// Tier says which pass produced a match.
type Tier string

const (
	TierNone     Tier = ""
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Candidates returns every record of the first pass that matches, in
// capture order. The primary pass compares path and query exactly; the
// fallback pass, when enabled, compares paths with the query ignored.
func (idx *Index) Candidates(interceptedURL string, fallback bool) ([]types.KeyedRecord, Tier) {
	live, err := types.ParseURLParts(interceptedURL)
	if err != nil {
		return nil, TierNone
	}

	want := live.PathAndQuery()
	var out []types.KeyedRecord
	for _, r := range idx.records {
		if r.parts.PathAndQuery() == want {
			out = append(out, r.KeyedRecord)
		}
	}
	if len(out) > 0 {
		return out, TierPrimary
	}
	if !fallback {
		return nil, TierNone
	}
	for _, r := range idx.records {
		if r.parts.Path == live.Path {
			out = append(out, r.KeyedRecord)
		}
	}
	if len(out) > 0 {
		return out, TierFallback
	}
	return nil, TierNone
}

// Match returns the first recorded occurrence matching interceptedURL.
func (idx *Index) Match(interceptedURL string, fallback bool) (types.KeyedRecord, bool) {
	candidates, _ := idx.Candidates(interceptedURL, fallback)
	if len(candidates) == 0 {
		return types.KeyedRecord{}, false
	}
	return candidates[0], true
}

// Match finds the first record of rec matching interceptedURL.
func Match(rec *types.Recording, interceptedURL string, fallback bool) (types.KeyedRecord, bool) {
	return NewIndex(rec).Match(interceptedURL, fallback)
}
