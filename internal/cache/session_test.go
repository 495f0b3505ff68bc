package cache_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/model"
)

func testCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewWithClient(rdb, "test", cache.TTLs{}, slog.New(slog.DiscardHandler)), mr
}

func turn(role model.MessageRole, content string) cache.SessionTurn {
	return cache.SessionTurn{Role: role, Content: content, At: time.Now().UTC()}
}

func TestSessionWindowRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	scope := model.Scope{TenantID: "t1", SiteID: "s1"}
	caps := cache.SessionCaps{MaxMessages: 10, MaxChars: 4000, TTL: time.Hour}

	require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps,
		turn(model.RoleUser, "hello"),
		turn(model.RoleAssistant, "welcome, traveler"),
	))

	window, err := c.SessionWindow(ctx, scope, "sess", "npc", caps)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "hello", window[0].Content)
	assert.Equal(t, "welcome, traveler", window[1].Content)
}

func TestSessionWindowTrimsToMessageCap(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	scope := model.Scope{TenantID: "t1", SiteID: "s1"}
	caps := cache.SessionCaps{MaxMessages: 3, MaxChars: 4000, TTL: time.Hour}

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps,
			turn(model.RoleUser, content)))
	}

	window, err := c.SessionWindow(ctx, scope, "sess", "npc", caps)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "three", window[0].Content)
	assert.Equal(t, "five", window[2].Content)
}

func TestSessionWindowCharCapDropsOldestFirst(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	scope := model.Scope{TenantID: "t1", SiteID: "s1"}
	caps := cache.SessionCaps{MaxMessages: 10, MaxChars: 20, TTL: time.Hour}

	require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps,
		turn(model.RoleUser, strings.Repeat("a", 15)),
		turn(model.RoleAssistant, strings.Repeat("b", 15)),
	))

	window, err := c.SessionWindow(ctx, scope, "sess", "npc", caps)
	require.NoError(t, err)
	require.Len(t, window, 1, "oldest turn drops to fit the char cap")
	assert.Equal(t, strings.Repeat("b", 15), window[0].Content)
}

// The char cap bounds what Redis stores, not just what SessionWindow hands
// out. Oversized history must be gone from the list itself after a write.
func TestAppendSessionTurnsTrimsStoredChars(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()
	scope := model.Scope{TenantID: "t1", SiteID: "s1"}
	caps := cache.SessionCaps{MaxMessages: 10, MaxChars: 4000, TTL: time.Hour}

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps,
			turn(model.RoleUser, strings.Repeat("q", 1000)),
			turn(model.RoleAssistant, strings.Repeat("a", 1000)),
		))
	}

	raws, err := mr.List("test:t1:s1:session:sess:npc")
	require.NoError(t, err)

	stored := 0
	for _, raw := range raws {
		var st cache.SessionTurn
		require.NoError(t, json.Unmarshal([]byte(raw), &st))
		stored += len(st.Content)
	}
	assert.LessOrEqual(t, stored, caps.MaxChars, "stored transcript exceeds the char cap")
	assert.Len(t, raws, 4)

	// The newest entries are the ones that survive.
	var last cache.SessionTurn
	require.NoError(t, json.Unmarshal([]byte(raws[len(raws)-1]), &last))
	assert.Equal(t, model.RoleAssistant, last.Role)
}

func TestSessionTTLRefreshesOnAppend(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()
	scope := model.Scope{TenantID: "t1", SiteID: "s1"}
	caps := cache.SessionCaps{MaxMessages: 10, MaxChars: 4000, TTL: time.Minute}

	require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps, turn(model.RoleUser, "hi")))

	// Let most of the TTL elapse, then append again; the transcript survives
	// past the original deadline.
	mr.FastForward(50 * time.Second)
	require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps, turn(model.RoleUser, "still here")))
	mr.FastForward(50 * time.Second)

	window, err := c.SessionWindow(ctx, scope, "sess", "npc", caps)
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestClearSession(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	scope := model.Scope{TenantID: "t1", SiteID: "s1"}
	caps := cache.SessionCaps{MaxMessages: 10, MaxChars: 4000, TTL: time.Hour}

	require.NoError(t, c.AppendSessionTurns(ctx, scope, "sess", "npc", caps, turn(model.RoleUser, "hi")))
	require.NoError(t, c.ClearSession(ctx, scope, "sess", "npc"))

	window, err := c.SessionWindow(ctx, scope, "sess", "npc", caps)
	require.NoError(t, err)
	assert.Empty(t, window)
}
