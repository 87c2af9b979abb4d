package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (p *recordingProcessor) ProcessBatch(ctx context.Context, items []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, items)
	return p.err
}

func (p *recordingProcessor) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	p := &recordingProcessor{}
	b := NewBatcher[int](3, time.Hour, p, nil)
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Add(i)
	}

	require.Eventually(t, func() bool { return p.total() == 3 }, time.Second, 5*time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.pending)
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	p := &recordingProcessor{}
	b := NewBatcher[int](100, 10*time.Millisecond, p, nil)
	defer b.Stop()

	b.Add(1)

	require.Eventually(t, func() bool { return p.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	p := &recordingProcessor{}
	b := NewBatcher[int](100, time.Hour, p, nil)

	b.Add(1)
	b.Add(2)
	b.Stop()

	assert.Equal(t, 2, p.total())
	b.Stop()
}

func TestBatcher_ReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := &recordingProcessor{err: boom}

	errs := make(chan error, 1)
	b := NewBatcher[int](1, time.Hour, p, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	defer b.Stop()

	b.Add(1)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}
}

func TestProcessorFunc(t *testing.T) {
	var got []string
	fn := ProcessorFunc[string](func(ctx context.Context, items []string) error {
		got = items
		return nil
	})

	require.NoError(t, fn.ProcessBatch(context.Background(), []string{"a"}))
	assert.Equal(t, []string{"a"}, got)
}
