package replication

import (
	"fmt"
	"sync"
	"testing"

	"github.com/driftkv/driftkv/lib/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutation(i int) Mutation {
	return Mutation{
		TS:    clock.Timestamp{WallTime: int64(i), NodeID: 1},
		Key:   fmt.Sprintf("key-%d", i),
		Value: []byte{byte(i)},
	}
}

func TestAppendPopFIFO(t *testing.T) {
	log := NewLog(0, nil)

	for i := 0; i < 5; i++ {
		log.Append(mutation(i))
	}
	require.Equal(t, 5, log.Size())

	batch := log.PopBatch(3)
	require.Len(t, batch, 3)
	for i, m := range batch {
		assert.Equal(t, fmt.Sprintf("key-%d", i), m.Key)
	}

	rest := log.PopBatch(10)
	require.Len(t, rest, 2)
	assert.Equal(t, "key-3", rest[0].Key)
	assert.Equal(t, "key-4", rest[1].Key)
	assert.True(t, log.Empty())
}

func TestPopBatchOnEmptyLog(t *testing.T) {
	log := NewLog(0, nil)
	assert.Nil(t, log.PopBatch(10))
	assert.Nil(t, log.PopBatch(0))
}

func TestOverflowDropsOldest(t *testing.T) {
	log := NewLog(3, nil)

	for i := 0; i < 5; i++ {
		log.Append(mutation(i))
	}

	require.Equal(t, 3, log.Size())
	batch := log.PopBatch(3)
	require.Len(t, batch, 3)
	// 0 and 1 were evicted
	assert.Equal(t, "key-2", batch[0].Key)
	assert.Equal(t, "key-4", batch[2].Key)
}

func TestConcurrentProducers(t *testing.T) {
	log := NewLog(100000, nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				log.Append(mutation(p*1000 + i))
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 8000, log.Size())
}
