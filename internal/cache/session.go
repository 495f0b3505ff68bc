package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
)

// SessionCaps bounds the short-term memory window handed to the prompt.
type SessionCaps struct {
	MaxMessages int
	MaxChars    int
	TTL         time.Duration
}

// SessionTurn is one remembered utterance.
type SessionTurn struct {
	Role    model.MessageRole `json:"role"`
	Content string            `json:"content"`
	At      time.Time         `json:"at"`
}

func (c *Cache) sessionKey(scope model.Scope, sessionID, npcID string) string {
	return c.key(scope, "session", sessionID, npcID)
}

// AppendSessionTurns pushes turns onto the session transcript, trims the
// stored list to both caps, and refreshes the TTL. The push and the message
// trim run in one pipeline so a crash never leaves a transcript without an
// expiration; the char trim follows against the stored list.
func (c *Cache) AppendSessionTurns(ctx context.Context, scope model.Scope, sessionID, npcID string, caps SessionCaps, turns ...SessionTurn) error {
	if len(turns) == 0 {
		return nil
	}
	key := c.sessionKey(scope, sessionID, npcID)

	vals := make([]any, 0, len(turns))
	for _, t := range turns {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("cache: marshal session turn: %w", err)
		}
		vals = append(vals, raw)
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, vals...)
	pipe.LTrim(ctx, key, int64(-caps.MaxMessages), -1)
	pipe.Expire(ctx, key, caps.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: append session turns: %w", err)
	}
	return c.trimSessionChars(ctx, key, caps)
}

// trimSessionChars drops oldest stored entries until the transcript fits the
// char cap. Newest entries survive; a transcript whose newest entry alone
// exceeds the cap is cleared entirely.
func (c *Cache) trimSessionChars(ctx context.Context, key string, caps SessionCaps) error {
	raws, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("cache: read session for trim: %w", err)
	}

	total := 0
	keep := 0
	for i := len(raws) - 1; i >= 0; i-- {
		var t SessionTurn
		n := len(raws[i])
		if err := json.Unmarshal([]byte(raws[i]), &t); err == nil {
			n = len(t.Content)
		}
		if total+n > caps.MaxChars {
			break
		}
		total += n
		keep++
	}
	if keep == len(raws) {
		return nil
	}
	if keep == 0 {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("cache: clear oversized session: %w", err)
		}
		return nil
	}
	if err := c.rdb.LTrim(ctx, key, int64(-keep), -1).Err(); err != nil {
		return fmt.Errorf("cache: trim session chars: %w", err)
	}
	return nil
}

// SessionWindow returns the remembered transcript, oldest first, trimmed to
// both caps. The char cap drops oldest turns first so the most recent
// exchange always survives.
func (c *Cache) SessionWindow(ctx context.Context, scope model.Scope, sessionID, npcID string, caps SessionCaps) ([]SessionTurn, error) {
	key := c.sessionKey(scope, sessionID, npcID)
	raws, err := c.rdb.LRange(ctx, key, int64(-caps.MaxMessages), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: read session window: %w", err)
	}

	turns := make([]SessionTurn, 0, len(raws))
	for _, raw := range raws {
		var t SessionTurn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// Skip corrupt entries rather than failing the turn.
			c.logger.Warn("cache: skipping corrupt session turn", "key", key, "error", err)
			continue
		}
		turns = append(turns, t)
	}

	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	for len(turns) > 0 && total > caps.MaxChars {
		total -= len(turns[0].Content)
		turns = turns[1:]
	}
	return turns, nil
}

// ClearSession drops the transcript, e.g. when a session is explicitly ended.
func (c *Cache) ClearSession(ctx context.Context, scope model.Scope, sessionID, npcID string) error {
	return c.Delete(ctx, c.sessionKey(scope, sessionID, npcID))
}
