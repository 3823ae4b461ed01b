package diagnostics

import "time"

// Export is the serialisable view handed to support tooling. Its layout is
// not a compatibility contract.
type Export struct {
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`
	Stats       Stats           `json:"stats" yaml:"stats"`
	Pending     int             `json:"pending" yaml:"pending"`
	Records     []RequestRecord `json:"records" yaml:"records"`
}

// Export snapshots stats and the ring buffer in one consistent read. A
// positive limit keeps only the newest records.
func (r *Recorder) Export(limit int) Export {
	if r == nil {
		return Export{GeneratedAt: time.Now().UTC(), Stats: Stats{SuccessRate: 1}, Records: []RequestRecord{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.recordsLocked()
	stats := statsOf(records)
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return Export{
		GeneratedAt: r.now().UTC(),
		Stats:       stats,
		Pending:     len(r.pending),
		Records:     records,
	}
}
