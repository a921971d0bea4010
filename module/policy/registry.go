package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"VBridge/logger"
	"VBridge/tools/decode"
	"VBridge/tools/errs"

	"go.uber.org/zap"
)

// Store 按群保存 !set 写入的原始键值
type Store interface {
	LoadAll(ctx context.Context) (map[int64]map[string]string, error)
	Save(ctx context.Context, groupID int64, key, value string) error
}

type snapshot struct {
	defaults Policy
	groups   map[int64]Policy
}

// Registry 读多写少：读取走原子快照无锁，写入串行化后整体替换快照
type Registry struct {
	cur atomic.Pointer[snapshot]

	writeMu   sync.Mutex
	baseRaw   map[string]string           // 默认值覆盖（配置文件 / nacos）
	overrides map[int64]map[string]string // 每群覆盖（!set）
	store     Store
}

func NewRegistry(store Store) *Registry {
	r := &Registry{
		baseRaw:   map[string]string{},
		overrides: map[int64]map[string]string{},
		store:     store,
	}
	r.cur.Store(&snapshot{defaults: Defaults(), groups: map[int64]Policy{}})
	return r
}

// Get 返回群的生效策略；未配置过的群返回默认值
func (r *Registry) Get(groupID int64) Policy {
	s := r.cur.Load()
	if p, ok := s.groups[groupID]; ok {
		return p
	}
	return s.defaults
}

// Groups 有单独配置的群，升序
func (r *Registry) Groups() []int64 {
	s := r.cur.Load()
	out := make([]int64, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set 校验 key 与取值后写入；存储失败时不生效
func (r *Registry) Set(ctx context.Context, groupID int64, key, value string) (Policy, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if !IsKey(key) {
		return Policy{}, errs.ErrInvalidOption.WrapMsg("unknown key", "key", key)
	}
	if key == "verification_mode" || key == "failure_policy" {
		value = strings.ToLower(value)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := copyRaw(r.overrides[groupID])
	next[key] = value
	p, err := build(r.baseRaw, next)
	if err != nil {
		return Policy{}, errs.ErrInvalidOption.WrapMsg(err.Error(), "key", key, "value", value)
	}
	if r.store != nil {
		if err := r.store.Save(ctx, groupID, key, value); err != nil {
			return Policy{}, errs.WrapMsg(err, "save policy", "group", groupID, "key", key)
		}
	}
	r.overrides[groupID] = next
	r.publish(groupID, p)
	logger.Info("policy updated", zap.Int64("group", groupID), zap.String("key", key), zap.String("value", value))
	return p, nil
}

// ApplyDefaults 替换默认值覆盖并重算所有群；任一群因此变得非法则整体拒绝
func (r *Registry) ApplyDefaults(raw map[string]string) error {
	clean := map[string]string{}
	for k, v := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if !IsKey(k) {
			return errs.ErrInvalidOption.WrapMsg("unknown key", "key", k)
		}
		clean[k] = strings.TrimSpace(v)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.rebuild(clean, r.overrides)
}

// ApplyGroup 直接加载一个群的覆盖（启动时从配置文件）
func (r *Registry) ApplyGroup(groupID int64, raw map[string]string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next := copyRaw(r.overrides[groupID])
	for k, v := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if !IsKey(k) {
			return errs.ErrInvalidOption.WrapMsg("unknown key", "key", k, "group", groupID)
		}
		next[k] = strings.TrimSpace(v)
	}
	p, err := build(r.baseRaw, next)
	if err != nil {
		return errs.ErrInvalidOption.WrapMsg(err.Error(), "group", groupID)
	}
	r.overrides[groupID] = next
	r.publish(groupID, p)
	return nil
}

// Load 从存储恢复所有群覆盖
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	all, err := r.store.LoadAll(ctx)
	if err != nil {
		return errs.WrapMsg(err, "load policies")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	merged := make(map[int64]map[string]string, len(r.overrides)+len(all))
	for g, kv := range r.overrides {
		merged[g] = copyRaw(kv)
	}
	for g, kv := range all {
		m := merged[g]
		if m == nil {
			m = map[string]string{}
			merged[g] = m
		}
		for k, v := range kv {
			if IsKey(k) {
				m[k] = v
			}
		}
	}
	return r.rebuild(r.baseRaw, merged)
}

// rebuild 持 writeMu 调用
func (r *Registry) rebuild(base map[string]string, overrides map[int64]map[string]string) error {
	defaults, err := build(base, nil)
	if err != nil {
		return errs.ErrInvalidOption.WrapMsg(err.Error(), "scope", "defaults")
	}
	groups := make(map[int64]Policy, len(overrides))
	for g, kv := range overrides {
		p, err := build(base, kv)
		if err != nil {
			return errs.ErrInvalidOption.WrapMsg(err.Error(), "group", g)
		}
		groups[g] = p
	}
	r.baseRaw = base
	r.overrides = overrides
	r.cur.Store(&snapshot{defaults: defaults, groups: groups})
	return nil
}

// publish 持 writeMu 调用：复制群表后替换单个群
func (r *Registry) publish(groupID int64, p Policy) {
	old := r.cur.Load()
	groups := make(map[int64]Policy, len(old.groups)+1)
	for g, v := range old.groups {
		groups[g] = v
	}
	groups[groupID] = p
	r.cur.Store(&snapshot{defaults: old.defaults, groups: groups})
}

func build(base, group map[string]string) (Policy, error) {
	p := Defaults()
	for _, layer := range []map[string]string{base, group} {
		if len(layer) == 0 {
			continue
		}
		in := make(map[string]any, len(layer))
		for k, v := range layer {
			in[k] = v
		}
		opts := decode.DefaultOptions()
		opts.ErrorUnused = true
		if err := decode.Into(in, &p, opts); err != nil {
			return Policy{}, err
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Describe 以 key=value 形式列出策略
func Describe(p Policy) []string {
	m, err := decode.ToMap(p, "mapstructure")
	if err != nil {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(m))
	for _, k := range Keys() {
		out = append(out, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return out
}

func copyRaw(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
