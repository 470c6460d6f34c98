package memsink

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentgraph/trace"
)

// Interface compliance (compile-time assertion)
var _ trace.Sink = (*Store)(nil)

func TestStoreWithTrace(t *testing.T) {
	store := New()
	tr := trace.New("run-b", func(o *trace.Options) { o.Sink = store })
	tr.Append(context.Background(), trace.Entry{Kind: trace.KindAgentStep})
	tr.Append(context.Background(), trace.Entry{Kind: trace.KindResponseStep})
	_ = store.Emit(context.Background(), trace.Entry{RunID: "run-a", Seq: 1})

	assert.Equal(t, []string{"run-a", "run-b"}, store.Runs())
	assert.Equal(t, tr.Entries(), store.Entries("run-b"))

	got := store.Entries("run-b")
	got[0].Agent = "mutated"
	assert.Empty(t, store.Entries("run-b")[0].Agent)

	store.Delete("run-b")
	assert.Empty(t, store.Entries("run-b"))
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Emit(context.Background(), trace.Entry{RunID: "r"})
		}()
		go func() {
			defer wg.Done()
			_ = store.Entries("r")
		}()
	}
	wg.Wait()
	assert.Len(t, store.Entries("r"), 20)
}
