package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {

	t.Run("room with no messages returns an empty page", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		h := NewHistoryService(f.store)

		page, err := h.Fetch(f.ctx, "never-seen", "", 10, Backward)

		require.Nil(t, err)
		assert.Empty(t, page.Messages)
		assert.NotNil(t, page.Messages, "an empty room is valid, not missing")
		assert.Empty(t, page.NextCursor)
		assert.Empty(t, page.PrevCursor)
		assert.False(t, page.HasMore)
	})

	t.Run("first backward page is the newest slice", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		seedMessages(f, "mkt-1", "0xabc", "a", "b", "c", "d")
		h := NewHistoryService(f.store)

		page, err := h.Fetch(f.ctx, "mkt-1", "", 2, Backward)

		require.Nil(t, err)
		assert.Equal(t, []string{"d", "c"}, bodies(page.Messages))
		assert.True(t, page.HasMore)
		assert.NotEmpty(t, page.NextCursor)
	})

	t.Run("paging forward reproduces a single unbounded query", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		seeded := seedMessages(f, "mkt-1", "0xabc", "a", "b", "c", "d", "e", "f", "g")
		h := NewHistoryService(f.store)

		var collected []ChatMessage
		cursor := ""
		for {
			page, err := h.Fetch(f.ctx, "mkt-1", cursor, 3, Forward)
			require.Nil(t, err)
			collected = append(collected, page.Messages...)
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}

		assert.Equal(t, bodies(seeded), bodies(collected))
	})

	t.Run("last page reports no more", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		seedMessages(f, "mkt-1", "0xabc", "a", "b")
		h := NewHistoryService(f.store)

		page, err := h.Fetch(f.ctx, "mkt-1", "", 2, Forward)
		require.Nil(t, err)
		assert.Len(t, page.Messages, 2)
		assert.False(t, page.HasMore)
	})

	t.Run("has more survives the store's own limit cap", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t, WithLimitCap(3))
		defer f.tearDown()
		seedMessages(f, "mkt-1", "0xabc", "a", "b", "c", "d", "e")
		h := NewHistoryService(f.store, WithHistoryLimitCap(3))

		// The store clips the look-ahead row when the page limit equals
		// its cap; HasMore must still be right.
		page, err := h.Fetch(f.ctx, "mkt-1", "", 3, Forward)
		require.Nil(t, err)
		require.Len(t, page.Messages, 3)
		assert.True(t, page.HasMore, "2 more messages exist past the page")

		last, err := h.Fetch(f.ctx, "mkt-1", page.NextCursor, 3, Forward)
		require.Nil(t, err)
		assert.Len(t, last.Messages, 2)
		assert.False(t, last.HasMore)
	})

	t.Run("paging at the cap boundary reaches every message", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t, WithLimitCap(2))
		defer f.tearDown()
		seeded := seedMessages(f, "mkt-1", "0xabc", "a", "b", "c", "d", "e", "f")
		h := NewHistoryService(f.store, WithHistoryLimitCap(2))

		var collected []ChatMessage
		cursor := ""
		for {
			page, err := h.Fetch(f.ctx, "mkt-1", cursor, 2, Forward)
			require.Nil(t, err)
			collected = append(collected, page.Messages...)
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}

		assert.Equal(t, bodies(seeded), bodies(collected))
	})

	t.Run("malformed cursor", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		h := NewHistoryService(f.store)

		_, err := h.Fetch(f.ctx, "mkt-1", "???", 10, Forward)
		assert.ErrorIs(t, err, ErrInvalidCursor)
	})

	t.Run("limit is capped", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		seedMessages(f, "mkt-1", "0xabc", "a", "b", "c", "d")
		h := NewHistoryService(f.store, WithHistoryLimitCap(2))

		page, err := h.Fetch(f.ctx, "mkt-1", "", 1000, Forward)
		require.Nil(t, err)
		assert.Len(t, page.Messages, 2)
		assert.True(t, page.HasMore)
	})

	t.Run("scroll-back continues past the oldest message of the page", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		seedMessages(f, "mkt-1", "0xabc", "a", "b", "c", "d")
		h := NewHistoryService(f.store)

		first, err := h.Fetch(f.ctx, "mkt-1", "", 2, Backward)
		require.Nil(t, err)
		require.Equal(t, []string{"d", "c"}, bodies(first.Messages))

		second, err := h.Fetch(f.ctx, "mkt-1", first.NextCursor, 2, Backward)
		require.Nil(t, err)
		assert.Equal(t, []string{"b", "a"}, bodies(second.Messages))
		assert.False(t, second.HasMore)
	})

	t.Run("prev cursor picks up messages newer than the page", func(t *testing.T) {
		f := NewSQLiteStoreFixture(t)
		defer f.tearDown()
		seedMessages(f, "mkt-1", "0xabc", "a", "b", "c")
		h := NewHistoryService(f.store)

		first, err := h.Fetch(f.ctx, "mkt-1", "", 3, Backward)
		require.Nil(t, err)
		require.Equal(t, []string{"c", "b", "a"}, bodies(first.Messages))

		seedMessages(f, "mkt-1", "0xabc", "d")

		newer, err := h.Fetch(f.ctx, "mkt-1", first.PrevCursor, 10, Forward)
		require.Nil(t, err)
		assert.Equal(t, []string{"d"}, bodies(newer.Messages))
	})
}
