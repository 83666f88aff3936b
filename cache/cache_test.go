package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerFactory func(t *testing.T) Provider

func providers() map[string]providerFactory {
	return map[string]providerFactory{
		"memory": func(t *testing.T) Provider {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Provider {
			p, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			return p
		},
		"sqlite-memory": func(t *testing.T) Provider {
			p, err := NewSQLiteCache("")
			require.NoError(t, err)
			return p
		},
		"leveldb": func(t *testing.T) Provider {
			p, err := NewLevelDBCache(filepath.Join(t.TempDir(), "leveldb"))
			require.NoError(t, err)
			return p
		},
		"redis": func(t *testing.T) Provider {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedis(client, WithPrefix("test"), WithQueryTimeout(time.Second))
		},
	}
}

func eachProvider(t *testing.T, fn func(t *testing.T, p Provider)) {
	for name, factory := range providers() {
		t.Run(name, func(t *testing.T) {
			p := factory(t)
			defer p.Close()
			fn(t, p)
		})
	}
}

func testSnapshot(body string) *Snapshot {
	return &Snapshot{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
		StoredAt:   time.Unix(1700000000, 0),
	}
}

func TestPutGet(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		h, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", h.Generation())

		_, ok, err := h.Get(ctx, "GET:http://app/index.html")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, h.Put(ctx, "GET:http://app/index.html", testSnapshot("hello")))
		snap, ok, err := h.Get(ctx, "GET:http://app/index.html")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, snap.StatusCode)
		assert.Equal(t, "hello", string(snap.Body))
		assert.Equal(t, "text/plain", snap.Header.Get("Content-Type"))
		assert.True(t, snap.StoredAt.Equal(time.Unix(1700000000, 0)))

		// replace
		require.NoError(t, h.Put(ctx, "GET:http://app/index.html", testSnapshot("world")))
		snap, _, err = h.Get(ctx, "GET:http://app/index.html")
		require.NoError(t, err)
		assert.Equal(t, "world", string(snap.Body))
	})
}

func TestExactKeyMatch(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		h, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, h.Put(ctx, "GET:http://app/data.json", testSnapshot("{}")))

		_, ok, err := h.Get(ctx, "GET:http://app/data.json?x=1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = h.Get(ctx, "GET:http://app/data")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGenerationsAreIsolated(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		v1, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		v2, err := p.Open(ctx, "v2")
		require.NoError(t, err)

		require.NoError(t, v1.Put(ctx, "k", testSnapshot("one")))
		_, ok, err := v2.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		gens, err := p.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1", "v2"}, gens)
	})
}

func TestReopenKeepsOrderAndContents(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		v1, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, v1.Put(ctx, "k", testSnapshot("one")))
		_, err = p.Open(ctx, "v2")
		require.NoError(t, err)

		again, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		snap, ok, err := again.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "one", string(snap.Body))

		gens, err := p.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1", "v2"}, gens)
	})
}

func TestOrderSurvivesDestroy(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		for _, gen := range []string{"v1", "v2", "v3"} {
			_, err := p.Open(ctx, gen)
			require.NoError(t, err)
		}
		require.NoError(t, p.Destroy(ctx, "v3"))
		_, err := p.Open(ctx, "v4")
		require.NoError(t, err)
		require.NoError(t, p.Destroy(ctx, "v1"))

		gens, err := p.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v2", "v4"}, gens)
	})
}

func TestDestroy(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		v1, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		v2, err := p.Open(ctx, "v2")
		require.NoError(t, err)
		require.NoError(t, v1.Put(ctx, "k", testSnapshot("one")))
		require.NoError(t, v2.Put(ctx, "k", testSnapshot("two")))

		require.NoError(t, p.Destroy(ctx, "v1"))
		// unknown generation
		require.NoError(t, p.Destroy(ctx, "nope"))

		gens, err := p.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v2"}, gens)

		_, ok, err := v1.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, v1.Put(ctx, "k", testSnapshot("late")), ErrGenerationNotFound)

		snap, ok, err := v2.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", string(snap.Body))
	})
}

func TestKeys(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		v1, err := p.Open(ctx, "v1")
		require.NoError(t, err)
		v2, err := p.Open(ctx, "v2")
		require.NoError(t, err)
		require.NoError(t, v1.Put(ctx, "a", testSnapshot("a")))
		require.NoError(t, v1.Put(ctx, "b", testSnapshot("b")))
		require.NoError(t, v2.Put(ctx, "c", testSnapshot("c")))

		keys := make([]string, 0)
		require.NoError(t, v1.Keys(ctx, func(key string) {
			keys = append(keys, key)
			// the callback may use the store
			_, _, err := v1.Get(ctx, key)
			assert.NoError(t, err)
		}))
		sort.Strings(keys)
		assert.Equal(t, []string{"a", "b"}, keys)
	})
}

func TestInvalidGeneration(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		_, err := p.Open(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidGeneration)

		// a NUL would let one generation's entries overlap another's
		a, err := p.Open(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, a.Put(ctx, "k", testSnapshot("a")))
		_, err = p.Open(ctx, "a\x00k")
		assert.ErrorIs(t, err, ErrInvalidGeneration)

		gens, err := p.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, gens)
	})
}

func TestConcurrentReadsDuringDestroy(t *testing.T) {
	eachProvider(t, func(t *testing.T, p Provider) {
		ctx := context.Background()
		old, err := p.Open(ctx, "old")
		require.NoError(t, err)
		cur, err := p.Open(ctx, "cur")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, "k", testSnapshot("old")))
		require.NoError(t, cur.Put(ctx, "k", testSnapshot("cur")))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snap, ok, err := cur.Get(ctx, "k")
				assert.NoError(t, err)
				assert.True(t, ok)
				if ok {
					assert.Equal(t, "cur", string(snap.Body))
				}
			}()
		}
		require.NoError(t, p.Destroy(ctx, "old"))
		wg.Wait()
	})
}

func TestSnapshotIsolation(t *testing.T) {
	p := NewMemory()
	ctx := context.Background()
	h, err := p.Open(ctx, "v1")
	require.NoError(t, err)
	snap := testSnapshot("body")
	require.NoError(t, h.Put(ctx, "k", snap))

	// mutating the caller's copy does not affect the stored entry
	snap.Body[0] = 'X'
	snap.Header.Set("Content-Type", "changed")
	got, _, err := h.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "body", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
}
