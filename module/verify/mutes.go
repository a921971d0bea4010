package verify

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"VBridge/tools/errs"

	"github.com/redis/go-redis/v9"
)

// MuteStore mixed 模式下“禁言到绑定为止”的成员，重启后靠它解除禁言
type MuteStore interface {
	Add(ctx context.Context, groupID, chatID int64) error
	Remove(ctx context.Context, groupID, chatID int64) error
	// Groups 该 QQ 被禁言的群，升序
	Groups(ctx context.Context, chatID int64) ([]int64, error)
}

type memMutes struct {
	mu  sync.Mutex
	set map[int64]map[int64]struct{}
}

// NewMemMutes 进程内记录，重启即丢失
func NewMemMutes() MuteStore {
	return &memMutes{set: map[int64]map[int64]struct{}{}}
}

func (s *memMutes) Add(_ context.Context, groupID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.set[chatID]
	if !ok {
		gs = map[int64]struct{}{}
		s.set[chatID] = gs
	}
	gs[groupID] = struct{}{}
	return nil
}

func (s *memMutes) Remove(_ context.Context, groupID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs := s.set[chatID]
	delete(gs, groupID)
	if len(gs) == 0 {
		delete(s.set, chatID)
	}
	return nil
}

func (s *memMutes) Groups(_ context.Context, chatID int64) ([]int64, error) {
	s.mu.Lock()
	out := make([]int64, 0, len(s.set[chatID]))
	for g := range s.set[chatID] {
		out = append(out, g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RedisMutes 每个 QQ 一个 hash：<prefix><chat> -> {group: 禁言时间}
type RedisMutes struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisMutes(rdb redis.UniversalClient, prefix string) *RedisMutes {
	if prefix == "" {
		prefix = "vbridge:muted:"
	}
	return &RedisMutes{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisMutes) key(chatID int64) string {
	return s.prefix + strconv.FormatInt(chatID, 10)
}

func (s *RedisMutes) Add(ctx context.Context, groupID, chatID int64) error {
	err := s.rdb.HSet(ctx, s.key(chatID), strconv.FormatInt(groupID, 10), s.now().Unix()).Err()
	return errs.WrapMsg(err, "record mute", "group", groupID, "chat", chatID)
}

func (s *RedisMutes) Remove(ctx context.Context, groupID, chatID int64) error {
	err := s.rdb.HDel(ctx, s.key(chatID), strconv.FormatInt(groupID, 10)).Err()
	return errs.WrapMsg(err, "clear mute", "group", groupID, "chat", chatID)
}

func (s *RedisMutes) Groups(ctx context.Context, chatID int64) ([]int64, error) {
	fields, err := s.rdb.HKeys(ctx, s.key(chatID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "load mutes", "chat", chatID)
	}
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		g, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
