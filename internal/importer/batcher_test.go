package importer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherCutsOnRowCap(t *testing.T) {
	b := NewBatcher(3, 1<<20)

	var batches []*WriteBatch
	for i := 1; i <= 7; i++ {
		d := Decision{Record: candidate(fmt.Sprintf("SKU-%d", i), int64(i)), Op: OpInsert}
		if batch := b.Add(d); batch != nil {
			batches = append(batches, batch)
		}
	}
	if batch := b.Flush(); batch != nil {
		batches = append(batches, batch)
	}

	require.Len(t, batches, 3)
	assert.Equal(t, int64(1), batches[0].Seq, "sequence starts at 1")
	assert.Equal(t, int64(2), batches[1].Seq)
	assert.Equal(t, int64(3), batches[2].Seq)
	assert.Len(t, batches[0].Rows, 3)
	assert.Len(t, batches[1].Rows, 3)
	assert.Len(t, batches[2].Rows, 1)
}

func TestBatcherCutsOnByteCap(t *testing.T) {
	b := NewBatcher(1000, 200)

	desc := strings.Repeat("x", 150)
	record := candidate("BIG-1", 1)
	record.Description = &desc

	batch := b.Add(Decision{Record: record, Op: OpInsert})
	assert.Nil(t, batch, "first oversized row waits for the next add")

	batch = b.Add(Decision{Record: candidate("SMALL-1", 2), Op: OpInsert})
	require.NotNil(t, batch, "byte cap reached")
	assert.Len(t, batch.Rows, 2)
	assert.GreaterOrEqual(t, batch.Bytes, 200)
}

func TestBatcherFlushEmpty(t *testing.T) {
	b := NewBatcher(10, 1000)
	assert.Nil(t, b.Flush())
}
