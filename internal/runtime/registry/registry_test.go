package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlersOf(entries []Entry[int]) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Handler
	}
	return out
}

func TestRegisterKeepsInsertionOrder(t *testing.T) {
	r := New[int]()
	for i := 1; i <= 5; i++ {
		r.Register("orders", i)
	}

	entries := r.Lookup("orders")
	assert.Equal(t, []int{1, 2, 3, 4, 5}, handlersOf(entries))
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Seq, entries[i].Seq)
		assert.Less(t, string(entries[i-1].ID), string(entries[i].ID))
	}
}

func TestRegisterReturnsUniqueIDs(t *testing.T) {
	r := New[int]()
	seen := make(map[SubscriptionID]struct{})
	for i := 0; i < 100; i++ {
		id := r.Register("t", i)
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestRegisterDoesNotTouchOtherTopics(t *testing.T) {
	r := New[int]()
	r.Register("a", 1)
	r.Register("a", 2)
	before := r.Lookup("a")

	r.Register("b", 3)

	assert.Equal(t, before, r.Lookup("a"))
	assert.Equal(t, []int{3}, handlersOf(r.Lookup("b")))
}

func TestRegisterManyCreatesOneEntryPerTopic(t *testing.T) {
	r := New[int]()
	ids := r.RegisterMany([]string{"a", "b", "a"}, 7)

	require.Len(t, ids, 3)
	assert.Equal(t, []int{7, 7}, handlersOf(r.Lookup("a")))
	assert.Equal(t, []int{7}, handlersOf(r.Lookup("b")))
	assert.Equal(t, 3, r.Len())

	topic, ok := r.Topic(ids[1])
	require.True(t, ok)
	assert.Equal(t, "b", topic)
}

func TestRegisterManyEmpty(t *testing.T) {
	r := New[int]()
	assert.Nil(t, r.RegisterMany(nil, 1))
	assert.Zero(t, r.Len())
}

func TestEmptyTopicIsDistinct(t *testing.T) {
	r := New[int]()
	r.Register("", 1)
	r.Register(" ", 2)

	assert.Equal(t, []int{1}, handlersOf(r.Lookup("")))
	assert.Equal(t, []int{2}, handlersOf(r.Lookup(" ")))
	assert.Empty(t, r.Lookup("missing"))
}

func TestLookupSnapshotIsStable(t *testing.T) {
	r := New[int]()
	first := r.Register("x", 1)
	r.Register("x", 2)

	snapshot := r.Lookup("x")
	r.Register("x", 3)
	r.Remove(first)

	assert.Equal(t, []int{1, 2}, handlersOf(snapshot))
	assert.Equal(t, []int{2, 3}, handlersOf(r.Lookup("x")))
}

func TestRemoveAndRemoveGroup(t *testing.T) {
	r := New[int]()
	id1 := r.Register("x", 1)
	group := r.RegisterMany([]string{"x", "y"}, 2)

	assert.True(t, r.Remove(id1))
	assert.False(t, r.Remove(id1))
	assert.Equal(t, []int{2}, handlersOf(r.Lookup("x")))

	assert.Equal(t, 2, r.RemoveGroup(append(group, "unknown")))
	assert.Zero(t, r.Len())
	assert.Zero(t, r.Count("x"))

	// Topics outlive their entries.
	assert.Equal(t, []string{"x", "y"}, r.Topics())
}

func TestTopicsSorted(t *testing.T) {
	r := New[int]()
	r.Register("zeta", 1)
	r.Register("alpha", 1)
	r.Register("mid", 1)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Topics())
	assert.Equal(t, 1, r.Count("mid"))
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	r := New[int]()
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.RegisterMany([]string{"a", "b"}, w*perWriter+i)
			}
		}(w)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			entries := r.Lookup("a")
			for i := 1; i < len(entries); i++ {
				if entries[i-1].Seq >= entries[i].Seq {
					panic(fmt.Sprintf("snapshot out of order at %d", i))
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone

	assert.Equal(t, writers*perWriter, r.Count("a"))
	assert.Equal(t, writers*perWriter, r.Count("b"))

	// Group registration is atomic: per handler, the "a" entry precedes "b".
	a, b := r.Lookup("a"), r.Lookup("b")
	for i := range a {
		assert.Equal(t, a[i].Handler, b[i].Handler)
		assert.Equal(t, a[i].Seq+1, b[i].Seq)
	}
}
