package verify

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/module/notice"
	"VBridge/module/policy"
	"VBridge/tools/errs"
	"VBridge/tools/ids"
	"VBridge/tools/safe"

	"go.uber.org/zap"
)

// ChatClient 聊天平台出站操作（OneBot / NATS 桥接实现）
type ChatClient interface {
	ApproveJoinRequest(ctx context.Context, ev model.Event) error
	RejectJoinRequest(ctx context.Context, ev model.Event, reason string) error
	// MuteMember d 为 0 表示无限期
	MuteMember(ctx context.Context, groupID, chatID int64, d time.Duration) error
	UnmuteMember(ctx context.Context, groupID, chatID int64) error
	KickMember(ctx context.Context, groupID, chatID int64) error
	SendGroupMessage(ctx context.Context, groupID int64, text string) error
	SendPrivateMessage(ctx context.Context, chatID int64, text string) error
	SetMemberCard(ctx context.Context, groupID, chatID int64, card string) error
}

// World VRChat 侧能力，由 service/vrc.Client 实现
type World interface {
	GetIdentity(ctx context.Context, worldID string) (model.Identity, error)
	FindByName(ctx context.Context, name string) (model.Identity, error)
	CheckGroupMembership(ctx context.Context, groupID, worldID string) (bool, error)
	GroupAddMember(ctx context.Context, groupID, worldID, roleID string) error
	GroupRemoveMember(ctx context.Context, groupID, worldID string) error
}

type Options struct {
	MaxAnswerRetries int           `yaml:"max_answer_retries"`
	CodeTTL          time.Duration `yaml:"code_ttl"`
	SuperAdmins      []int64       `yaml:"-"`
	JoinLimit        int           `yaml:"join_limit"` // 同一 QQ 在 JoinWindow 内最多处理的加群申请数
	JoinWindow       time.Duration `yaml:"join_window"`
	CallTimeout      time.Duration `yaml:"call_timeout"` // 定时器回调等无调用方 ctx 时的外部调用时限
}

func (o *Options) setDefaults() {
	if o.MaxAnswerRetries <= 0 {
		o.MaxAnswerRetries = 3
	}
	if o.CodeTTL <= 0 {
		o.CodeTTL = 5 * time.Minute
	}
	if o.JoinLimit <= 0 {
		o.JoinLimit = 10
	}
	if o.JoinWindow <= 0 {
		o.JoinWindow = time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
}

type pairKey struct{ group, chat int64 }

type session struct {
	mu      sync.Mutex
	s       model.Session
	attempt uint64 // 每次发起解析或终结时递增，旧结果据此丢弃
	history []model.State
}

func (s *session) setState(st model.State) {
	s.s.State = st
	s.history = append(s.history, st)
}

func (s *session) snapshot() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

// Manager 入群验证会话状态机
type Manager struct {
	opts     Options
	chat     ChatClient
	world    World
	store    *store.Store
	policies *policy.Registry
	text     *notice.Renderer
	timers   *TimerQueue
	mutes    MuteStore

	mu    sync.Mutex
	open  map[pairKey]*session
	byID  map[string]*session
	flags map[string]time.Time
	joins map[int64][]time.Time

	now func() time.Time
}

type ManagerOption func(*Manager)

// WithMuteStore 默认只记在进程内
func WithMuteStore(ms MuteStore) ManagerOption {
	return func(m *Manager) {
		if ms != nil {
			m.mutes = ms
		}
	}
}

func NewManager(chat ChatClient, world World, st *store.Store, reg *policy.Registry, text *notice.Renderer, opts Options, more ...ManagerOption) *Manager {
	safe.MustNotNil(chat, "chat client")
	safe.MustNotNil(world, "world client")
	safe.MustNotNil(st, "binding store")
	safe.MustNotNil(reg, "policy registry")
	safe.MustNotNil(text, "renderer")
	opts.setDefaults()
	m := &Manager{
		opts:     opts,
		chat:     chat,
		world:    world,
		store:    st,
		policies: reg,
		text:     text,
		timers:   NewTimerQueue(),
		mutes:    NewMemMutes(),
		open:     map[pairKey]*session{},
		byID:     map[string]*session{},
		flags:    map[string]time.Time{},
		joins:    map[int64][]time.Time{},
		now:      time.Now,
	}
	for _, o := range more {
		o(m)
	}
	return m
}

// Run 驱动超时定时器，阻塞到 ctx 结束
func (m *Manager) Run(ctx context.Context) { m.timers.Run(ctx) }

// IsSuperAdmin 配置中的超级管理员
func (m *Manager) IsSuperAdmin(chatID int64) bool {
	for _, a := range m.opts.SuperAdmins {
		if a == chatID {
			return true
		}
	}
	return false
}

// HandleJoinRequest 处理加群申请
func (m *Manager) HandleJoinRequest(ctx context.Context, ev model.Event) error {
	if !m.admitJoin(ev) {
		logger.Warn("join request dropped", zap.Stringer("event", ev), zap.String("flag", ev.Flag))
		return nil
	}
	p := m.policies.Get(ev.GroupID)
	cand := candidate{}
	if HasKeyword(ev.Comment, p.JoinKeyword) {
		cand = parseCandidate(ev.Comment, p.JoinKeyword)
	}

	if p.VerificationMode == model.ModeDisabled {
		return m.joinDisabled(ctx, ev, p, cand)
	}
	if b, ok := m.store.LookupByChat(ev.ChatID); ok {
		logger.Info("bound member join request approved",
			zap.Int64("group", ev.GroupID), zap.Int64("chat", ev.ChatID), zap.String("world", b.WorldID))
		return m.chat.ApproveJoinRequest(ctx, ev)
	}
	if m.lookupOpen(ev.GroupID, ev.ChatID) != nil {
		logger.Debug("session already open, join request ignored", zap.Stringer("event", ev))
		return nil
	}
	if p.VerificationMode == model.ModeStrict && p.AutoRejectOnJoin {
		logger.Info("strict mode auto reject", zap.Stringer("event", ev))
		return m.chat.RejectJoinRequest(ctx, ev, m.text.Render(notice.KeyRejectJoin, notice.Data{ChatID: ev.ChatID}))
	}

	s, created := m.openSession(ev.GroupID, ev.ChatID, p, false)
	if !created {
		return nil
	}
	s.mu.Lock()
	s.s.Flag = ev.Flag
	s.mu.Unlock()

	if err := m.chat.ApproveJoinRequest(ctx, ev); err != nil {
		m.discard(s, "approve failed")
		return errs.WrapMsg(err, "approve join request", "group", ev.GroupID, "chat", ev.ChatID)
	}
	if p.VerificationMode == model.ModeStrict {
		m.sendGroup(ctx, ev.GroupID, m.text.Render(notice.KeyStrictAlert, notice.Data{ChatID: ev.ChatID, Timeout: p.Timeout()}))
	}
	if cand.worldID != "" {
		m.resolve(ctx, s, cand.worldID)
	}
	return nil
}

// joinDisabled 只做登记：附言能对上 VRChat 账号就放行，不写绑定
func (m *Manager) joinDisabled(ctx context.Context, ev model.Event, p policy.Policy, cand candidate) error {
	var (
		id  model.Identity
		err error
	)
	switch {
	case cand.worldID != "":
		id, err = m.world.GetIdentity(ctx, cand.worldID)
	case cand.name != "":
		id, err = m.world.FindByName(ctx, cand.name)
	default:
		err = errs.ErrNotFound.WrapMsg("no candidate in comment")
	}
	if err == nil && id.IsBanned() {
		m.alertBanned(ctx, ev.GroupID, ev.ChatID, id)
		return m.chat.RejectJoinRequest(ctx, ev, reasonBanned)
	}
	if err == nil {
		logger.Info("registration matched, approve", zap.Stringer("event", ev), zap.String("world", id.ID))
		return m.chat.ApproveJoinRequest(ctx, ev)
	}
	if !errors.Is(err, errs.ErrNotFound) && !errors.Is(err, errs.ErrFormat) {
		m.failure(ctx, p, ev.GroupID, ev.ChatID, "加群申请查询 VRChat 失败", err)
		return nil
	}
	if p.AutoRejectOnJoin {
		return m.chat.RejectJoinRequest(ctx, ev, m.text.Render(notice.KeyRejectJoin, notice.Data{ChatID: ev.ChatID}))
	}
	m.sendGroup(ctx, ev.GroupID, m.text.Render(notice.KeyDisabledPending, notice.Data{ChatID: ev.ChatID, Comment: ev.Comment}))
	return nil
}

// HandleMemberAdded 成员入群
func (m *Manager) HandleMemberAdded(ctx context.Context, ev model.Event) error {
	p := m.policies.Get(ev.GroupID)
	if b, ok := m.store.LookupByChat(ev.ChatID); ok {
		if p.AutoRename && b.WorldName != "" {
			if err := m.chat.SetMemberCard(ctx, ev.GroupID, ev.ChatID, b.WorldName); err != nil {
				logger.Warn("set member card failed", zap.Stringer("event", ev), zap.Error(err))
			}
		}
		m.welcome(ctx, p, b)
		return nil
	}
	if p.VerificationMode == model.ModeDisabled {
		return nil
	}
	s, created := m.openSession(ev.GroupID, ev.ChatID, p, true)
	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return nil
	}
	s.s.InGroup = true
	remaining := s.s.Deadline.Sub(m.now())
	s.mu.Unlock()
	if created {
		logger.Info("unbound member in group, session opened", zap.Stringer("event", ev))
	}
	m.sendGroup(ctx, ev.GroupID, m.text.Render(notice.KeyJoinPrompt, notice.Data{ChatID: ev.ChatID, Timeout: remaining}))
	return nil
}

// HandleMemberRemoved 成员离群或被踢
func (m *Manager) HandleMemberRemoved(ctx context.Context, ev model.Event) error {
	if s := m.lookupOpen(ev.GroupID, ev.ChatID); s != nil {
		m.discard(s, "member left")
	}
	if err := m.mutes.Remove(ctx, ev.GroupID, ev.ChatID); err != nil {
		logger.Warn("clear mute record failed", zap.Stringer("event", ev), zap.Error(err))
	}

	p := m.policies.Get(ev.GroupID)
	b, ok := m.store.LookupByChat(ev.ChatID)
	if !ok {
		return nil
	}
	if ev.Kicked && p.AutoRemoveOnKick && p.VRCGroupID != "" {
		if err := m.world.GroupRemoveMember(ctx, p.VRCGroupID, b.WorldID); err != nil {
			m.failure(ctx, p, ev.GroupID, ev.ChatID, "移出 VRChat 群组失败", err)
		}
	}
	if p.UnbindOnLeave {
		if _, err := m.store.Unbind(ctx, ev.ChatID, model.OperatorSystem); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		logger.Info("binding removed on leave", zap.Stringer("event", ev), zap.String("world", b.WorldID))
	}
	return nil
}

// HandleMessage 把消息当作验证答复；返回是否被消费
func (m *Manager) HandleMessage(ctx context.Context, ev model.Event) (bool, error) {
	if ev.Private() {
		s := m.openForChat(ev.ChatID)
		if s == nil {
			s = m.reopenMuted(ctx, ev)
		}
		if s == nil {
			return false, nil
		}
		m.answer(ctx, s, ev.Text)
		return true, nil
	}
	s := m.lookupOpen(ev.GroupID, ev.ChatID)
	if s == nil || !model.LooksLikeWorldID(ev.Text) {
		return false, nil
	}
	m.answer(ctx, s, ev.Text)
	return true, nil
}

// reopenMuted 已被禁言的成员私聊发来 ID 时重新开一次验证
func (m *Manager) reopenMuted(ctx context.Context, ev model.Event) *session {
	if _, ok := model.FindWorldID(ev.Text); !ok {
		return nil
	}
	groups, err := m.mutes.Groups(ctx, ev.ChatID)
	if err != nil {
		logger.Warn("load mute records failed", zap.Int64("chat", ev.ChatID), zap.Error(err))
		return nil
	}
	if len(groups) == 0 {
		return nil
	}
	p := m.policies.Get(groups[0])
	if p.VerificationMode == model.ModeDisabled {
		return nil
	}
	s, _ := m.openSession(groups[0], ev.ChatID, p, true)
	return s
}

func (m *Manager) answer(ctx context.Context, s *session, text string) {
	if id, ok := model.FindWorldID(text); ok {
		m.resolve(ctx, s, id)
		return
	}
	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return
	}
	s.s.Retries++
	left := m.opts.MaxAnswerRetries - s.s.Retries
	snap := s.s
	if left <= 0 {
		s.attempt++
		m.finishLocked(s, model.StateRejected, reasonRetries)
		s.mu.Unlock()
		m.punish(ctx, s, snap, model.FinalAction(snap.Mode), false)
		return
	}
	s.mu.Unlock()
	m.sendGroup(ctx, snap.GroupID, m.text.Render(notice.KeyFormatError, notice.Data{ChatID: snap.ChatID, Left: left}))
}

// IssueCode !code：为已声明 ID 的会话签发状态验证码
func (m *Manager) IssueCode(ctx context.Context, groupID, chatID int64) (string, error) {
	s := m.sessionFor(groupID, chatID)
	if s == nil {
		return "", errs.ErrNotFound.WrapMsg("no open verification session", "chat", chatID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.s.State.Open() || s.s.ClaimedID == "" {
		return "", errs.ErrNotFound.WrapMsg("send your VRChat id first", "chat", chatID)
	}
	s.s.Code = newCode()
	s.s.CodeIssued = m.now()
	if s.s.State != model.StatePendingReview {
		s.setState(model.StatePendingReview)
	}
	return m.text.Render(notice.KeyCodeIssued, notice.Data{ChatID: chatID, Code: s.s.Code, Expiry: m.opts.CodeTTL}), nil
}

// VerifyCode !verify [world_id]：带 ID 时等同提交答复；否则检查状态描述里的验证码
func (m *Manager) VerifyCode(ctx context.Context, groupID, chatID int64, worldID string) (string, error) {
	s := m.sessionFor(groupID, chatID)
	if s == nil {
		return "", errs.ErrNotFound.WrapMsg("no open verification session", "chat", chatID)
	}
	if worldID != "" {
		if !model.IsWorldID(worldID) {
			return "", errs.ErrFormat.WrapMsg("bad world id", "world", worldID)
		}
		m.resolve(ctx, s, model.NormalizeWorldID(worldID))
		return "", nil
	}

	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return "", errs.ErrNotFound.WrapMsg("session closed", "chat", chatID)
	}
	if s.s.Code == "" {
		s.mu.Unlock()
		return "", errs.ErrNotFound.WrapMsg("no code issued, send !code first", "chat", chatID)
	}
	if m.now().After(s.s.CodeIssued.Add(m.opts.CodeTTL)) {
		s.s.Code = ""
		s.mu.Unlock()
		return m.text.Render(notice.KeyCodeExpired, notice.Data{ChatID: chatID}), nil
	}
	code, claimed, token, group := s.s.Code, s.s.ClaimedID, s.attempt, s.s.GroupID
	s.mu.Unlock()

	id, err := m.world.GetIdentity(ctx, claimed)
	if err != nil {
		return "", err
	}
	if !containsCode(id, code) {
		return m.text.Render(notice.KeyCodeMismatch, notice.Data{ChatID: chatID, Code: code}), nil
	}
	m.bindAndFinish(ctx, s, token, id, m.policies.Get(group))
	return "", nil
}

// AdminBind 管理员绑定；target 为用户ID或显示名
func (m *Manager) AdminBind(ctx context.Context, groupID, chatID int64, target string, operator int64) (model.Binding, error) {
	if chatID <= 0 {
		return model.Binding{}, errs.ErrFormat.WrapMsg("bad chat id", "chat", chatID)
	}
	var (
		id  model.Identity
		err error
	)
	switch {
	case model.IsWorldID(target):
		id, err = m.world.GetIdentity(ctx, target)
	case model.LooksLikeWorldID(target):
		err = errs.ErrFormat.WrapMsg("bad world id", "world", target)
	default:
		id, err = m.world.FindByName(ctx, target)
	}
	if err != nil {
		return model.Binding{}, err
	}
	b, created, err := m.store.Bind(ctx, model.Binding{
		ChatID:    chatID,
		WorldID:   id.ID,
		WorldName: id.DisplayName,
		Operator:  strconv.FormatInt(operator, 10),
		Source:    model.SourceManual,
		GroupID:   groupID,
	})
	if err != nil {
		return b, err
	}
	if created {
		logger.Info("admin bind", zap.Int64("chat", chatID), zap.String("world", b.WorldID), zap.Int64("operator", operator))
	}
	m.settleBound(ctx, b, nil)
	m.liftMutes(ctx, chatID)
	return b, nil
}

// AdminUnbind 管理员解绑
func (m *Manager) AdminUnbind(ctx context.Context, chatID, operator int64) (model.Binding, error) {
	b, err := m.store.Unbind(ctx, chatID, strconv.FormatInt(operator, 10))
	if err != nil {
		return b, err
	}
	logger.Info("admin unbind", zap.Int64("chat", chatID), zap.String("world", b.WorldID), zap.Int64("operator", operator))
	return b, nil
}

// Sessions 当前未结束的会话
func (m *Manager) Sessions() []model.Session {
	m.mu.Lock()
	list := make([]*session, 0, len(m.open))
	for _, s := range m.open {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]model.Session, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// admitJoin 去重 flag 并按 QQ 限流；只有放行的请求才记下 flag
func (m *Manager) admitJoin(ev model.Event) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Flag != "" {
		if _, seen := m.flags[ev.Flag]; seen {
			return false
		}
	}
	for f, at := range m.flags {
		if now.Sub(at) > 24*time.Hour {
			delete(m.flags, f)
		}
	}
	for c, list := range m.joins {
		if kept := m.within(list, now); len(kept) == 0 {
			delete(m.joins, c)
		} else {
			m.joins[c] = kept
		}
	}
	recent := m.joins[ev.ChatID]
	if len(recent) >= m.opts.JoinLimit {
		return false
	}
	m.joins[ev.ChatID] = append(recent, now)
	if ev.Flag != "" {
		m.flags[ev.Flag] = now
	}
	return true
}

func (m *Manager) within(list []time.Time, now time.Time) []time.Time {
	kept := list[:0]
	for _, at := range list {
		if now.Sub(at) < m.opts.JoinWindow {
			kept = append(kept, at)
		}
	}
	return kept
}

// JoinTracked 限流表里仍在窗口内的 QQ 数
func (m *Manager) JoinTracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joins)
}

func (m *Manager) openSession(groupID, chatID int64, p policy.Policy, inGroup bool) (*session, bool) {
	k := pairKey{groupID, chatID}
	m.mu.Lock()
	if s, ok := m.open[k]; ok {
		m.mu.Unlock()
		return s, false
	}
	now := m.now()
	deadline := now.Add(p.Timeout())
	// 有提醒时先挂 warn，触发后再换成最终动作
	at, act := deadline, model.FinalAction(p.VerificationMode)
	if warn := p.WarnBefore(); warn > 0 && warn < p.Timeout() {
		at, act = deadline.Add(-warn), model.ActionWarn
	}
	s := &session{s: model.Session{
		ID:         ids.GenerateString(),
		GroupID:    groupID,
		ChatID:     chatID,
		Mode:       p.VerificationMode,
		CreatedAt:  now,
		Deadline:   deadline,
		InGroup:    inGroup,
		NextAction: act,
	}}
	s.setState(model.StateAwaitingAnswer)
	m.open[k] = s
	m.byID[s.s.ID] = s
	m.mu.Unlock()

	id := s.s.ID
	m.timers.Schedule(id, at, act, func(a model.Action) { m.onTimer(id, a) })
	logger.Info("verification session opened",
		zap.String("session", id), zap.Int64("group", groupID), zap.Int64("chat", chatID),
		zap.String("mode", string(p.VerificationMode)), zap.Time("deadline", deadline), zap.Stringer("timer", act))
	return s, true
}

func (m *Manager) lookupOpen(groupID, chatID int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[pairKey{groupID, chatID}]
}

// openForChat 私聊时按 QQ 找最早的会话
func (m *Manager) openForChat(chatID int64) *session {
	list := m.sessionsOf(chatID)
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

func (m *Manager) sessionsOf(chatID int64) []*session {
	m.mu.Lock()
	var list []*session
	for k, s := range m.open {
		if k.chat == chatID {
			list = append(list, s)
		}
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].s.ID < list[j].s.ID })
	return list
}

func (m *Manager) sessionFor(groupID, chatID int64) *session {
	if groupID == 0 {
		return m.openForChat(chatID)
	}
	return m.lookupOpen(groupID, chatID)
}
