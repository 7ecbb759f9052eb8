package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	ID    string
	Value int
}

func TestStore_InsertGetList(t *testing.T) {
	s := New[counter]()
	require.NoError(t, s.Insert("b", counter{ID: "b"}))
	require.NoError(t, s.Insert("a", counter{ID: "a"}))

	assert.ErrorIs(t, s.Insert("a", counter{}), ErrAlreadyExists)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New[counter]()
	require.NoError(t, s.Insert("a", counter{ID: "a", Value: 1}))

	got, _ := s.Get("a")
	got.Value = 99

	again, _ := s.Get("a")
	assert.Equal(t, 1, again.Value)
}

func TestStore_MutateNotFound(t *testing.T) {
	s := New[counter]()
	_, err := s.Mutate("nope", func(c *counter) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MutateErrorLeavesEntityUnchanged(t *testing.T) {
	s := New[counter]()
	require.NoError(t, s.Insert("a", counter{ID: "a", Value: 1}))

	boom := errors.New("boom")
	_, err := s.Mutate("a", func(c *counter) error {
		c.Value = 50
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get("a")
	assert.Equal(t, 1, got.Value)
}

func TestStore_ConcurrentMutationsAreAtomic(t *testing.T) {
	s := New[counter]()
	require.NoError(t, s.Insert("a", counter{ID: "a"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.Mutate("a", func(c *counter) error {
					c.Value++
					return nil
				})
				_, _ = s.Get("a")
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("a")
	assert.Equal(t, 5000, got.Value)
}

func TestStore_ReplaceKeepsOrder(t *testing.T) {
	s := New[counter]()
	items := map[string]counter{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("id-%d", i)
		items[id] = counter{ID: id}
	}

	s.Replace(items, []string{"id-3", "id-1"})

	list := s.List()
	require.Len(t, list, 5)
	assert.Equal(t, "id-3", list[0].ID)
	assert.Equal(t, "id-1", list[1].ID)
	assert.Equal(t, 5, s.Len())
}

func TestStore_Filter(t *testing.T) {
	s := New[counter]()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("id-%d", i)
		require.NoError(t, s.Insert(id, counter{ID: id, Value: i}))
	}

	even := s.Filter(func(c counter) bool { return c.Value%2 == 0 })
	assert.Len(t, even, 2)
}
