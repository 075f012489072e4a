package importer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/retry"
)

// DecisionOp is the write operation resolved for a SKU: insert when the SKU
// was absent from the store when the import first saw it, update otherwise.
// The operation is fixed at first sight so reporting does not depend on
// which worker commits first.
type DecisionOp string

const (
	OpInsert DecisionOp = "INSERT"
	OpUpdate DecisionOp = "UPDATE"
)

// Decision is a candidate row that won (so far) the dedup race for its SKU
// and is headed for a write batch.
type Decision struct {
	Record CandidateRecord
	Op     DecisionOp
}

// SKULookup answers which of the given SKUs already exist in the product
// store. Keys in the result are the SKUs as passed in.
type SKULookup interface {
	LookupSKUs(ctx context.Context, skus []string) (map[string]bool, error)
}

const dedupShardCount = 64

type countState int

const (
	countedNone countState = iota
	countedApplied
	countedFailed
)

type skuEntry struct {
	winnerLine int64
	op         DecisionOp
	// counted records which terminal counter, if any, the current winner
	// has been tallied into, so a later duplicate can take the tally back.
	counted countState
}

type dedupShard struct {
	mu      sync.Mutex
	entries map[string]*skuEntry
}

// DedupIndex tracks, per SKU, which line currently owns the final write.
// It is sharded by SKU hash so concurrent writers rarely contend.
type DedupIndex struct {
	shards [dedupShardCount]dedupShard
}

func NewDedupIndex() *DedupIndex {
	idx := &DedupIndex{}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[string]*skuEntry)
	}
	return idx
}

func (idx *DedupIndex) shard(sku string) *dedupShard {
	h := fnv.New32a()
	h.Write([]byte(sku))
	return &idx.shards[h.Sum32()%dedupShardCount]
}

// StillWinner reports whether line is still the row that should be written
// for sku. Superseded rows are skipped by the writer; their duplicate count
// was already taken when the newer occurrence displaced them.
func (idx *DedupIndex) StillWinner(sku string, line int64) bool {
	s := idx.shard(sku)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sku]
	return ok && entry.winnerLine == line
}

// MarkApplied records that the write for line committed. It returns false
// when a later occurrence displaced the line while its batch was in flight,
// in which case the caller must not count the row: the displacement already
// counted it as a duplicate and the newer occurrence will be counted when
// its own batch commits.
func (idx *DedupIndex) MarkApplied(sku string, line int64) bool {
	return idx.mark(sku, line, countedApplied)
}

// MarkFailed records that the write for line failed permanently. Same
// displacement rule as MarkApplied.
func (idx *DedupIndex) MarkFailed(sku string, line int64) bool {
	return idx.mark(sku, line, countedFailed)
}

func (idx *DedupIndex) mark(sku string, line int64, state countState) bool {
	s := idx.shard(sku)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sku]
	if !ok || entry.winnerLine != line {
		return false
	}
	entry.counted = state
	return true
}

// Resolver decides, for each validated row, whether it is a fresh insert,
// an update, or a duplicate of a SKU seen earlier in the same file.
// Last occurrence by line number wins regardless of worker scheduling.
type Resolver struct {
	index    *DedupIndex
	store    SKULookup
	retrier  *retry.Retrier
	progress *JobProgress
	logger   *logrus.Entry
}

func NewResolver(index *DedupIndex, store SKULookup, retrier *retry.Retrier, progress *JobProgress, logger *logrus.Entry) *Resolver {
	return &Resolver{
		index:    index,
		store:    store,
		retrier:  retrier,
		progress: progress,
		logger:   logger,
	}
}

// ResolveBatch resolves a group of candidates in file order. SKUs not seen
// before in this import are looked up against the store in a single batched
// query. Rows whose lookup fails after retries are demoted to rejections;
// the import continues.
func (r *Resolver) ResolveBatch(ctx context.Context, candidates []CandidateRecord) ([]Decision, []Rejection) {
	// Collect SKUs that need a store existence check.
	var unseen []string
	unseenSet := make(map[string]bool)
	for _, c := range candidates {
		if unseenSet[c.SKU] {
			continue
		}
		s := r.index.shard(c.SKU)
		s.mu.Lock()
		_, known := s.entries[c.SKU]
		s.mu.Unlock()
		if !known {
			unseenSet[c.SKU] = true
			unseen = append(unseen, c.SKU)
		}
	}

	var existing map[string]bool
	var lookupErr error
	if len(unseen) > 0 {
		lookupErr = r.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			existing, err = r.store.LookupSKUs(ctx, unseen)
			return err
		})
		if lookupErr != nil {
			r.logger.WithError(lookupErr).WithField("skus", len(unseen)).Error("SKU existence lookup failed, rejecting affected rows")
		}
	}

	var decisions []Decision
	var rejections []Rejection

	for _, c := range candidates {
		s := r.index.shard(c.SKU)
		s.mu.Lock()
		entry, known := s.entries[c.SKU]

		if !known {
			if lookupErr != nil && unseenSet[c.SKU] {
				s.mu.Unlock()
				rejections = append(rejections, Rejection{
					LineNumber: c.LineNumber,
					Raw:        c.Raw,
					Reason:     models.RejectReasonLookupFailed,
					Field:      "sku",
					Message:    fmt.Sprintf("could not check existing products: %v", lookupErr),
				})
				continue
			}
			op := OpInsert
			if existing[c.SKU] {
				op = OpUpdate
			}
			s.entries[c.SKU] = &skuEntry{winnerLine: c.LineNumber, op: op}
			s.mu.Unlock()
			decisions = append(decisions, Decision{Record: c, Op: op})
			continue
		}

		if c.LineNumber <= entry.winnerLine {
			// An earlier occurrence loses to the one already recorded.
			s.mu.Unlock()
			r.progress.AddDuplicate(1)
			continue
		}

		// This occurrence supersedes the recorded winner. If the old
		// winner was already committed and counted, take its tally back;
		// it is a duplicate now.
		switch entry.counted {
		case countedApplied:
			if entry.op == OpInsert {
				r.progress.AddAccepted(-1)
			} else {
				r.progress.AddUpdated(-1)
			}
		case countedFailed:
			r.progress.AddFailed(-1)
		}
		entry.counted = countedNone
		entry.winnerLine = c.LineNumber
		op := entry.op
		s.mu.Unlock()

		r.progress.AddDuplicate(1)
		decisions = append(decisions, Decision{Record: c, Op: op})
	}

	return decisions, rejections
}
