package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory hash store for unit tests
type fakeKV struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	err    error
}

func newFakeKV() *fakeKV {
	return &fakeKV{hashes: make(map[string]map[string]string)}
}

func (f *fakeKV) set(key, field, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
}

func (f *fakeKV) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]interface{}, len(fields))
	for i, field := range fields {
		if v, ok := f.hashes[key][field]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_LocationsOf(t *testing.T) {
	kv := newFakeKV()
	kv.set(DefaultHashKey, "d1", `{"latitude":19.05,"longitude":72.85,"timestamp":1700000000000}`)
	kv.set(DefaultHashKey, "d2", `not json`)
	store := NewStore(kv, "", 0, discardLogger())

	locs, err := store.LocationsOf(context.Background(), []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, 19.05, locs["d1"].Location.Latitude)
	assert.Equal(t, 72.85, locs["d1"].Location.Longitude)
	assert.Equal(t, int64(1700000000000), locs["d1"].UpdatedAt.UnixMilli())
}

func TestStore_LocationOfAbsentIsNotError(t *testing.T) {
	store := NewStore(newFakeKV(), "", 0, discardLogger())
	loc, err := store.LocationOf(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestStore_MaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	kv := newFakeKV()
	kv.set("locs", "fresh", `{"latitude":1,"longitude":1,"timestamp":`+itoa(now.Add(-time.Hour).UnixMilli())+`}`)
	kv.set("locs", "stale", `{"latitude":2,"longitude":2,"timestamp":`+itoa(now.Add(-48*time.Hour).UnixMilli())+`}`)

	store := NewStore(kv, "locs", 24*time.Hour, discardLogger())
	store.now = func() time.Time { return now }

	locs, err := store.LocationsOf(context.Background(), []string{"fresh", "stale"})
	require.NoError(t, err)
	assert.Contains(t, locs, "fresh")
	assert.NotContains(t, locs, "stale")
}

func TestStore_BackendError(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("connection refused")
	store := NewStore(kv, "", 0, discardLogger())

	_, err := store.LocationOf(context.Background(), "d1")
	assert.Error(t, err)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
