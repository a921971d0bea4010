package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"go.uber.org/zap"
)

// Op 变更类型
type Op string

const (
	OpBind   Op = "bind"
	OpUnbind Op = "unbind"
)

// Mutation 一次已生效的绑定变更
type Mutation struct {
	Seq     uint64        `json:"seq"`
	Op      Op            `json:"op"`
	Binding model.Binding `json:"binding"`
	At      time.Time     `json:"at"`
	Actor   string        `json:"actor"`
}

// Persister 持久化后端；Persist 在写锁内按 Seq 顺序调用
type Persister interface {
	Load(ctx context.Context) ([]model.Binding, error)
	Persist(ctx context.Context, m Mutation, snapshot []model.Binding) error
	Close() error
}

// Observer 变更落盘后回调（审计、通知等），不得阻塞太久
type Observer func(ctx context.Context, m Mutation)

// Store 内存双向映射 + 可插拔持久化
//
// byChat / byWorld 始终成对更新：读方持 mu 读锁，只会看到完整生效的变更。
// 写方先拿 writeMu 串行化，持久化期间也不放开，保证落盘顺序与 Seq 一致。
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	byChat  map[int64]model.Binding
	byWorld map[string]int64
	seq     uint64

	persister Persister
	errDir    string

	obsMu     sync.RWMutex
	observers []Observer

	now func() time.Time
}

type Option func(*Store)

// WithErrorSnapshotDir 持久化失败时把当前快照写到该目录
func WithErrorSnapshotDir(dir string) Option {
	return func(s *Store) { s.errDir = dir }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(p Persister, opts ...Option) *Store {
	s := &Store{
		byChat:    make(map[int64]model.Binding),
		byWorld:   make(map[string]int64),
		persister: p,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load 从持久化后端恢复；出现违反一对一的数据时报错
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	list, err := s.persister.Load(ctx)
	if err != nil {
		return errs.WrapMsg(err, "load bindings")
	}
	byChat := make(map[int64]model.Binding, len(list))
	byWorld := make(map[string]int64, len(list))
	for _, b := range list {
		b.WorldID = model.NormalizeWorldID(b.WorldID)
		if _, dup := byChat[b.ChatID]; dup {
			return errs.ErrConflict.WrapMsg("duplicate chat id in storage", "chat", b.ChatID)
		}
		if _, dup := byWorld[b.WorldID]; dup {
			return errs.ErrConflict.WrapMsg("duplicate world id in storage", "world", b.WorldID)
		}
		byChat[b.ChatID] = b
		byWorld[b.WorldID] = b.ChatID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	s.byChat, s.byWorld = byChat, byWorld
	s.mu.Unlock()
	logger.Info("bindings loaded", zap.Int("count", len(list)))
	return nil
}

// OnMutation 注册变更观察者
func (s *Store) OnMutation(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Bind 建立绑定。
// 同一对账号重复绑定是幂等的，返回已有记录且 created=false；
// 任一方已绑定到别人时返回 ErrConflict，已有绑定保持不变。
func (s *Store) Bind(ctx context.Context, b model.Binding) (model.Binding, bool, error) {
	if b.ChatID <= 0 {
		return model.Binding{}, false, errs.ErrFormat.WrapMsg("chat id must be positive", "chat", b.ChatID)
	}
	b.WorldID = model.NormalizeWorldID(b.WorldID)
	if !model.IsWorldID(b.WorldID) {
		return model.Binding{}, false, errs.ErrFormat.WrapMsg("bad world id", "world", b.WorldID)
	}

	s.writeMu.Lock()

	if cur, ok := s.byChat[b.ChatID]; ok {
		s.writeMu.Unlock()
		if cur.SamePair(b) {
			return cur, false, nil
		}
		return cur, false, errs.ErrConflict.WrapMsg("chat account already bound", "chat", b.ChatID, "world", cur.WorldID)
	}
	if owner, ok := s.byWorld[b.WorldID]; ok {
		s.writeMu.Unlock()
		return s.byChat[owner], false, errs.ErrConflict.WrapMsg("world account already bound", "world", b.WorldID, "chat", owner)
	}

	if b.BoundAt.IsZero() {
		b.BoundAt = s.now()
	}
	if b.Operator == "" {
		b.Operator = model.OperatorSystem
	}
	if b.Source == "" {
		b.Source = model.SourceAuto
	}

	s.mu.Lock()
	s.byChat[b.ChatID] = b
	s.byWorld[b.WorldID] = b.ChatID
	s.seq++
	m := Mutation{Seq: s.seq, Op: OpBind, Binding: b, At: s.now(), Actor: b.Operator}
	s.mu.Unlock()

	s.persist(ctx, m)
	s.writeMu.Unlock()

	s.notify(ctx, m)
	return b, true, nil
}

// Unbind 按 QQ 号解绑，不存在时返回 ErrNotFound
func (s *Store) Unbind(ctx context.Context, chatID int64, operator string) (model.Binding, error) {
	s.writeMu.Lock()
	cur, ok := s.byChat[chatID]
	if !ok {
		s.writeMu.Unlock()
		return model.Binding{}, errs.ErrNotFound.WrapMsg("no binding", "chat", chatID)
	}
	if operator == "" {
		operator = model.OperatorSystem
	}

	s.mu.Lock()
	delete(s.byChat, chatID)
	delete(s.byWorld, cur.WorldID)
	s.seq++
	m := Mutation{Seq: s.seq, Op: OpUnbind, Binding: cur, At: s.now(), Actor: operator}
	s.mu.Unlock()

	s.persist(ctx, m)
	s.writeMu.Unlock()

	s.notify(ctx, m)
	return cur, nil
}

// persist 持 writeMu 调用。失败不回滚内存，只写错误快照。
func (s *Store) persist(ctx context.Context, m Mutation) {
	if s.persister == nil {
		return
	}
	snap := s.List()
	if err := s.persister.Persist(ctx, m, snap); err != nil {
		logger.Error("persist binding mutation failed",
			zap.Uint64("seq", m.Seq), zap.String("op", string(m.Op)),
			zap.Int64("chat", m.Binding.ChatID), zap.Error(err))
		if s.errDir != "" {
			if path, werr := WriteErrorSnapshot(s.errDir, snap, s.now()); werr != nil {
				logger.Error("write error snapshot failed", zap.Error(werr))
			} else {
				logger.Warn("error snapshot written", zap.String("path", path))
			}
		}
	}
}

func (s *Store) notify(ctx context.Context, m Mutation) {
	s.obsMu.RLock()
	obs := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range obs {
		o(ctx, m)
	}
}

func (s *Store) LookupByChat(chatID int64) (model.Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byChat[chatID]
	return b, ok
}

func (s *Store) LookupByWorld(worldID string) (model.Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.byWorld[model.NormalizeWorldID(worldID)]
	if !ok {
		return model.Binding{}, false
	}
	return s.byChat[chat], true
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChat)
}

// List 按绑定时间排序的拷贝
func (s *Store) List() []model.Binding {
	s.mu.RLock()
	out := make([]model.Binding, 0, len(s.byChat))
	for _, b := range s.byChat {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sortBindings(out)
	return out
}

// Search 对 QQ 号、VRChat ID、显示名做不区分大小写的子串匹配
func (s *Store) Search(query string) []model.Binding {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	s.mu.RLock()
	var out []model.Binding
	for _, b := range s.byChat {
		if strings.Contains(strconv.FormatInt(b.ChatID, 10), q) ||
			strings.Contains(b.WorldID, q) ||
			strings.Contains(strings.ToLower(b.WorldName), q) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sortBindings(out)
	return out
}

// Page 分页，page 从 1 开始
func Page(list []model.Binding, page, size int) ([]model.Binding, int) {
	if size <= 0 {
		size = 10
	}
	pages := (len(list) + size - 1) / size
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(list) {
		return nil, pages
	}
	end := start + size
	if end > len(list) {
		end = len(list)
	}
	return list[start:end], pages
}

func sortBindings(list []model.Binding) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].BoundAt.Equal(list[j].BoundAt) {
			return list[i].ChatID < list[j].ChatID
		}
		return list[i].BoundAt.Before(list[j].BoundAt)
	})
}

// Close 关闭持久化后端
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}
