package importer

// WriteBatch groups resolved decisions into one store transaction. Seq is
// assigned in dispatch order starting at 1 and is unique within a job.
type WriteBatch struct {
	Seq   int64
	Rows  []Decision
	Bytes int
}

// Batcher accumulates decisions until either the row cap or the byte cap is
// reached, whichever comes first. It is used by a single goroutine.
type Batcher struct {
	maxRows  int
	maxBytes int

	seq     int64
	current []Decision
	bytes   int
}

func NewBatcher(maxRows, maxBytes int) *Batcher {
	if maxRows <= 0 {
		maxRows = 500
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Batcher{maxRows: maxRows, maxBytes: maxBytes}
}

// Add appends a decision and returns a completed batch when a cap is hit,
// nil otherwise.
func (b *Batcher) Add(d Decision) *WriteBatch {
	b.current = append(b.current, d)
	b.bytes += decisionSize(d)
	if len(b.current) >= b.maxRows || b.bytes >= b.maxBytes {
		return b.cut()
	}
	return nil
}

// Flush returns the final partial batch, or nil when nothing is pending.
func (b *Batcher) Flush() *WriteBatch {
	if len(b.current) == 0 {
		return nil
	}
	return b.cut()
}

func (b *Batcher) cut() *WriteBatch {
	b.seq++
	batch := &WriteBatch{Seq: b.seq, Rows: b.current, Bytes: b.bytes}
	b.current = nil
	b.bytes = 0
	return batch
}

// decisionSize approximates the serialized footprint of one row so byte-heavy
// rows (long descriptions, many attributes) cut batches early.
func decisionSize(d Decision) int {
	r := d.Record
	size := len(r.SKU) + len(r.Name) + len(r.Price) + 16
	if r.Description != nil {
		size += len(*r.Description)
	}
	for k, v := range r.Attributes {
		size += len(k) + len(v)
	}
	return size
}
