// Package cache mirrors document presence into redis so other processes
// (dashboards, sibling instances) can see who is in which document.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type RedisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb, now: time.Now}
}

// AddMember records or refreshes userID in docID for ttl.
func (p *RedisPresence) AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error {
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

// GetCursor returns nil, nil when no cursor is stored.
func (p *RedisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (p *RedisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, docsKey()).Result()
}

// expire drops members whose logical TTL has passed, names included.
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AliveMembers prunes expired members of docID and returns the rest.
func (p *RedisPresence) AliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := p.now().Unix()
	err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		// forget rooms nobody is in any more
		p.rdb.SRem(ctx, docsKey(), docID)
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		name, _ := names[i].(string)
		out = append(out, PresenceMember{UserID: id, Username: name})
	}
	return out, nil
}
