package check

import (
	"encoding/json"

	"mailproof/pkg/sanitize"
)

// snapshotOmittedNote is stored in place of record lists when even the
// summarized payload would not fit the persisted-size budget.
const snapshotOmittedNote = "snapshot omitted: result exceeded size budget"

// BoundedJSON serializes a result for persistence, guaranteeing the output
// stays within maxBytes. It tries three shapes in order:
//
//  1. the full result,
//  2. counts-only snapshot with each verdict's found list cut to three items,
//  3. note-only snapshot with empty found lists.
//
// The last shape is always small enough for any sane budget, so the returned
// bytes may only exceed maxBytes if the budget is pathological (a few hundred
// bytes); callers get whatever the smallest shape produced.
func BoundedJSON(r *Result, maxBytes int) ([]byte, error) {
	full, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(full) <= maxBytes {
		return full, nil
	}

	summarized := summarize(r)
	b, err := json.Marshal(summarized)
	if err != nil {
		return nil, err
	}
	if len(b) <= maxBytes {
		return b, nil
	}

	minimal := minimize(r)
	return json.Marshal(minimal)
}

// summarize keeps per-key counts and integrity hashes but drops record
// bodies, and trims each verdict's found list to the first three entries.
func summarize(r *Result) *Result {
	out := *r
	out.Missing = make([]Verdict, len(r.Missing))
	for i, v := range r.Missing {
		out.Missing[i] = trimVerdict(v, 3)
	}

	if r.Snapshot != nil {
		counts := make(map[string]int)
		addCount(counts, "apex_cname", r.Snapshot.ApexCNAME)
		addCount(counts, "dkim_cname", r.Snapshot.DKIMCNAME)
		addCount(counts, "mx", r.Snapshot.MX)
		addCount(counts, "apex_txt", r.Snapshot.ApexTXT)
		addCount(counts, "dmarc_txt", r.Snapshot.DMARCTXT)
		out.Snapshot = &Snapshot{Counts: counts}
	}
	return &out
}

// minimize drops every record list; only verdict booleans, names, expected
// values, and the omission note survive.
func minimize(r *Result) *Result {
	out := *r
	out.Missing = make([]Verdict, len(r.Missing))
	for i, v := range r.Missing {
		out.Missing[i] = trimVerdict(v, 0)
	}
	out.Snapshot = &Snapshot{Note: snapshotOmittedNote}
	return &out
}

func trimVerdict(v Verdict, keep int) Verdict {
	if len(v.Found) > keep {
		v.Found = v.Found[:keep]
		v.FoundTruncated = true
	}
	if len(v.FoundIPs) > keep {
		v.FoundIPs = v.FoundIPs[:keep]
	}
	return v
}

func addCount(counts map[string]int, key string, l *sanitize.CappedList) {
	if l != nil {
		counts[key] = l.Total
	}
}
