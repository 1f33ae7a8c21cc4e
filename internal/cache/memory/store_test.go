package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

func TestStorePutGetCopiesBody(t *testing.T) {
	t.Parallel()

	s := NewStore()
	key := crawler.DeriveKey("https://docs.example.com/")
	body := []byte("<p>hello</p>")
	require.NoError(t, s.Put(context.Background(), key, crawler.CacheEntry{
		Body:   body,
		Policy: crawler.CachePolicy{StatusCode: 200, ContentType: "text/html"},
	}))
	body[0] = 'X'

	got, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", string(got.Body))
	assert.Equal(t, 200, got.Policy.StatusCode)

	got.Body[0] = 'Y'
	again, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", string(again.Body))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Gets())
}

func TestStoreMissingKey(t *testing.T) {
	t.Parallel()

	_, err := NewStore().Get(context.Background(), crawler.DeriveKey("https://docs.example.com/none"))
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestStoreInjectedFailure(t *testing.T) {
	t.Parallel()

	s := NewStore()
	boom := errors.New("disk gone")
	s.Err = boom
	_, err := s.Get(context.Background(), crawler.DeriveKey("https://docs.example.com/"))
	require.ErrorIs(t, err, boom)
}

func TestStoreDelayHonoursContext(t *testing.T) {
	t.Parallel()

	s := NewStore()
	key := crawler.DeriveKey("https://docs.example.com/slow")
	require.NoError(t, s.Put(context.Background(), key, crawler.CacheEntry{Body: []byte("late")}))
	s.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Get(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	s.Delay = 5 * time.Millisecond
	got, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "late", string(got.Body))
}
