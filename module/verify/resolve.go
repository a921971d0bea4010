package verify

import (
	"context"
	"errors"
	"strings"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/module/notice"
	"VBridge/module/policy"
	"VBridge/tools/errs"

	"go.uber.org/zap"
)

// 面向用户的拒绝原因
const (
	reasonConflict  = "该 VRChat 账号已被其他 QQ 绑定"
	reasonTroll     = "VRChat 账号被标记为风险账号"
	reasonBanned    = "VRChat 账号已被封禁"
	reasonApi       = "VRChat 接口暂时不可用"
	reasonRetries   = "多次提交无效的 VRChat ID"
	reasonNotFound  = "找不到该 VRChat 账号"
	reasonNotMember = "未加入指定的 VRChat 群组"
	reasonTimeout   = "验证超时"
	reasonSettled   = "已完成绑定"
)

// resolve 对候选ID执行：查询 → 风险/群组检查 → (验证码) → 绑定。
// 外部调用期间不持有会话锁，回来后用 attempt 校验结果是否仍有效。
func (m *Manager) resolve(ctx context.Context, s *session, worldID string) {
	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return
	}
	s.attempt++
	token := s.attempt
	s.s.ClaimedID = worldID
	s.s.Code = ""
	if s.s.State != model.StatePendingReview {
		s.setState(model.StatePendingReview)
	}
	group, chat := s.s.GroupID, s.s.ChatID
	s.mu.Unlock()

	p := m.policies.Get(group)
	id, err := m.world.GetIdentity(ctx, worldID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		m.retryAnswer(ctx, s, token, reasonNotFound)
		return
	case errors.Is(err, errs.ErrFormat):
		m.retryAnswer(ctx, s, token, err.Error())
		return
	case err != nil:
		m.rejectApi(ctx, s, token, p, "查询 VRChat 用户失败", err)
		return
	}

	if id.IsBanned() {
		if m.reject(ctx, s, token, reasonBanned) {
			m.alertBanned(ctx, group, chat, id)
		}
		return
	}
	if p.CheckTroll && id.IsTroll() {
		m.reject(ctx, s, token, reasonTroll)
		return
	}
	if p.CheckGroupMembership {
		if p.VRCGroupID == "" {
			logger.Warn("check_group_membership enabled without vrc_group_id, skipped", zap.Int64("group", group))
		} else {
			ok, err := m.world.CheckGroupMembership(ctx, p.VRCGroupID, id.ID)
			if err != nil {
				m.rejectApi(ctx, s, token, p, "检查 VRChat 群组成员失败", err)
				return
			}
			if !ok {
				m.retryAnswer(ctx, s, token, reasonNotMember)
				return
			}
		}
	}

	if p.RequireCode {
		s.mu.Lock()
		if !s.s.State.Open() || s.attempt != token {
			s.mu.Unlock()
			return
		}
		s.s.ClaimedName = id.DisplayName
		s.s.Code = newCode()
		s.s.CodeIssued = m.now()
		code := s.s.Code
		s.mu.Unlock()
		m.sendGroup(ctx, group, m.text.Render(notice.KeyCodeIssued, notice.Data{ChatID: chat, Code: code, Expiry: m.opts.CodeTTL}))
		return
	}
	m.bindAndFinish(ctx, s, token, id, p)
}

// bindAndFinish 持会话锁调用 store.Bind，保证与超时定时器只有一个终态
func (m *Manager) bindAndFinish(ctx context.Context, s *session, token uint64, id model.Identity, p policy.Policy) {
	s.mu.Lock()
	if !s.s.State.Open() || s.attempt != token {
		logger.Info("stale resolution discarded", zap.String("session", s.s.ID), zap.String("world", id.ID))
		s.mu.Unlock()
		return
	}
	s.attempt++
	s.s.ClaimedName = id.DisplayName
	b, _, err := m.store.Bind(ctx, model.Binding{
		ChatID:    s.s.ChatID,
		WorldID:   id.ID,
		WorldName: id.DisplayName,
		Operator:  model.OperatorSystem,
		Source:    model.SourceVerified,
		GroupID:   s.s.GroupID,
	})
	if err != nil {
		reason := reasonApi
		if errors.Is(err, errs.ErrConflict) {
			reason = reasonConflict
		}
		logger.Warn("bind failed", zap.String("session", s.s.ID), zap.String("world", id.ID), zap.Error(err))
		m.finishLocked(s, model.StateRejected, reason)
		snap := s.s
		s.mu.Unlock()
		m.punish(ctx, s, snap, model.FinalAction(snap.Mode), false)
		return
	}
	m.finishLocked(s, model.StateBound, "")
	s.mu.Unlock()

	m.settleBound(ctx, b, s)
	m.liftMutes(ctx, b.ChatID)
}

func (m *Manager) retryAnswer(ctx context.Context, s *session, token uint64, reason string) {
	s.mu.Lock()
	if !s.s.State.Open() || s.attempt != token {
		s.mu.Unlock()
		return
	}
	s.s.Retries++
	left := m.opts.MaxAnswerRetries - s.s.Retries
	if left <= 0 {
		s.attempt++
		m.finishLocked(s, model.StateRejected, reason)
		snap := s.s
		s.mu.Unlock()
		m.punish(ctx, s, snap, model.FinalAction(snap.Mode), false)
		return
	}
	s.setState(model.StateAwaitingAnswer)
	group, chat := s.s.GroupID, s.s.ChatID
	s.mu.Unlock()
	m.sendGroup(ctx, group, m.text.Render(notice.KeyRetryAnswer, notice.Data{ChatID: chat, Reason: reason, Left: left}))
}

func (m *Manager) reject(ctx context.Context, s *session, token uint64, reason string) bool {
	s.mu.Lock()
	if !s.s.State.Open() || s.attempt != token {
		s.mu.Unlock()
		return false
	}
	s.attempt++
	m.finishLocked(s, model.StateRejected, reason)
	snap := s.s
	s.mu.Unlock()
	m.punish(ctx, s, snap, model.FinalAction(snap.Mode), false)
	return true
}

// rejectApi 外部接口失败：拒绝并按 failure_policy 通知
func (m *Manager) rejectApi(ctx context.Context, s *session, token uint64, p policy.Policy, what string, err error) {
	if m.reject(ctx, s, token, reasonApi) {
		m.failure(ctx, p, s.s.GroupID, s.s.ChatID, what, err)
	}
}

// finishLocked 进入终态：取消定时器并移出索引。调用方持有 s.mu
func (m *Manager) finishLocked(s *session, st model.State, reason string) {
	s.setState(st)
	s.s.Reason = reason
	s.s.Code = ""
	m.timers.Cancel(s.s.ID)
	m.mu.Lock()
	k := pairKey{s.s.GroupID, s.s.ChatID}
	if m.open[k] == s {
		delete(m.open, k)
	}
	delete(m.byID, s.s.ID)
	m.mu.Unlock()
	logger.Info("verification session finished",
		zap.String("session", s.s.ID), zap.Int64("group", s.s.GroupID), zap.Int64("chat", s.s.ChatID),
		zap.Stringer("state", st), zap.String("reason", reason))
}

func (m *Manager) close(s *session) {
	s.mu.Lock()
	if s.s.State != model.StateClosed {
		s.setState(model.StateClosed)
	}
	s.mu.Unlock()
}

// discard 直接关闭，不做任何处罚（成员已离开等）
func (m *Manager) discard(s *session, reason string) {
	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return
	}
	s.attempt++
	m.finishLocked(s, model.StateClosed, reason)
	s.mu.Unlock()
}

func (m *Manager) onTimer(id string, a model.Action) {
	if a == model.ActionWarn {
		m.onWarn(id)
		return
	}
	m.onDeadline(id, a)
}

func (m *Manager) onDeadline(id string, a model.Action) {
	m.mu.Lock()
	s := m.byID[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return
	}
	s.attempt++
	m.finishLocked(s, model.StateTimedOut, reasonTimeout)
	snap := s.s
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	m.punish(ctx, s, snap, a, true)
}

func (m *Manager) onWarn(id string) {
	m.mu.Lock()
	s := m.byID[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	// 提醒触发后换成最终动作，仍是同一个 key
	s.mu.Lock()
	if !s.s.State.Open() {
		s.mu.Unlock()
		return
	}
	final := model.FinalAction(s.s.Mode)
	s.s.NextAction = final
	m.timers.Schedule(id, s.s.Deadline, final, func(a model.Action) { m.onTimer(id, a) })
	snap := s.s
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	m.sendGroup(ctx, snap.GroupID, m.text.Render(notice.KeyReminder, notice.Data{ChatID: snap.ChatID, Remaining: snap.Deadline.Sub(m.now())}))
}

// punish 失败/超时的副作用：mute 无限期禁言，kick 踢出并告警；之后 CLOSED
func (m *Manager) punish(ctx context.Context, s *session, snap model.Session, act model.Action, timedOut bool) {
	defer m.close(s)
	d := notice.Data{GroupID: snap.GroupID, ChatID: snap.ChatID, Reason: snap.Reason}
	switch act {
	case model.ActionKick:
		key := notice.KeyRejectedStrict
		if timedOut {
			key = notice.KeyTimeoutStrict
		}
		m.sendGroup(ctx, snap.GroupID, m.text.Render(key, d))
		if err := m.chat.KickMember(ctx, snap.GroupID, snap.ChatID); err != nil {
			logger.Warn("kick member failed", zap.String("session", snap.ID), zap.Error(err))
		}
		m.sendGroup(ctx, snap.GroupID, m.text.Render(notice.KeyKickAlert, d))
	default:
		key := notice.KeyRejectedMixed
		if timedOut {
			key = notice.KeyTimeoutMixed
		}
		if err := m.chat.MuteMember(ctx, snap.GroupID, snap.ChatID, 0); err != nil {
			logger.Warn("mute member failed", zap.String("session", snap.ID), zap.Error(err))
		} else if err := m.mutes.Add(ctx, snap.GroupID, snap.ChatID); err != nil {
			logger.Warn("record mute failed", zap.String("session", snap.ID), zap.Error(err))
		}
		m.sendGroup(ctx, snap.GroupID, m.text.Render(key, d))
	}
}

// settleBound 绑定成功后的收尾：done 为触发绑定的会话，其余同 QQ 的会话一并结束
func (m *Manager) settleBound(ctx context.Context, b model.Binding, done *session) {
	if done != nil {
		m.onBound(ctx, done, b)
	}
	for _, other := range m.sessionsOf(b.ChatID) {
		other.mu.Lock()
		if !other.s.State.Open() {
			other.mu.Unlock()
			continue
		}
		other.attempt++
		m.finishLocked(other, model.StateBound, reasonSettled)
		other.mu.Unlock()
		m.onBound(ctx, other, b)
	}
}

func (m *Manager) onBound(ctx context.Context, s *session, b model.Binding) {
	defer m.close(s)
	snap := s.snapshot()
	p := m.policies.Get(snap.GroupID)
	if p.CanAssignRole() {
		if err := m.world.GroupAddMember(ctx, p.VRCGroupID, b.WorldID, p.TargetRoleID); err != nil {
			m.failure(ctx, p, snap.GroupID, snap.ChatID, "分配 VRChat 身份组失败", err)
		}
	}
	if p.AutoRename && b.WorldName != "" {
		if err := m.chat.SetMemberCard(ctx, snap.GroupID, snap.ChatID, b.WorldName); err != nil {
			logger.Warn("set member card failed", zap.String("session", snap.ID), zap.Error(err))
		}
	}
	m.sendGroup(ctx, snap.GroupID, m.text.Render(notice.KeyBound, notice.Data{ChatID: b.ChatID, WorldID: b.WorldID, WorldName: b.WorldName}))
	m.welcome(ctx, p, model.Binding{ChatID: b.ChatID, WorldID: b.WorldID, WorldName: b.WorldName, GroupID: snap.GroupID})
}

func (m *Manager) welcome(ctx context.Context, p policy.Policy, b model.Binding) {
	if !p.EnableWelcome || b.GroupID == 0 {
		return
	}
	d := notice.Data{GroupID: b.GroupID, ChatID: b.ChatID, WorldID: b.WorldID, WorldName: b.WorldName}
	text := m.text.Render(notice.KeyWelcome, d)
	if p.WelcomeMessage != "" {
		text = m.text.RenderText(p.WelcomeMessage, d)
	}
	m.sendGroup(ctx, b.GroupID, text)
}

// liftMutes 绑定后解除该 QQ 在所有群的禁言
func (m *Manager) liftMutes(ctx context.Context, chatID int64) {
	groups, err := m.mutes.Groups(ctx, chatID)
	if err != nil {
		logger.Warn("load mute records failed", zap.Int64("chat", chatID), zap.Error(err))
		return
	}
	for _, g := range groups {
		if err := m.chat.UnmuteMember(ctx, g, chatID); err != nil {
			// 记录保留，下次绑定时再试
			logger.Warn("unmute failed", zap.Int64("group", g), zap.Int64("chat", chatID), zap.Error(err))
			continue
		}
		if err := m.mutes.Remove(ctx, g, chatID); err != nil {
			logger.Warn("clear mute record failed", zap.Int64("group", g), zap.Int64("chat", chatID), zap.Error(err))
		}
	}
}

// failure 按 failure_policy 通知管理员，附原始错误
func (m *Manager) failure(ctx context.Context, p policy.Policy, groupID, chatID int64, what string, err error) {
	logger.Warn(what, zap.Int64("group", groupID), zap.Int64("chat", chatID), zap.Error(err))
	if p.FailurePolicy != policy.FailureNotifyAdmin {
		return
	}
	m.notifyAdmins(ctx, groupID, m.text.Render(notice.KeyAdminAlert, notice.Data{GroupID: groupID, ChatID: chatID, Detail: what + ": " + err.Error()}))
}

// alertBanned 不受 failure_policy 影响，总是通知
func (m *Manager) alertBanned(ctx context.Context, groupID, chatID int64, id model.Identity) {
	logger.Warn("banned vrchat account rejected", zap.Int64("group", groupID), zap.Int64("chat", chatID), zap.String("world", id.ID))
	m.notifyAdmins(ctx, groupID, m.text.Render(notice.KeyBannedAlert, notice.Data{GroupID: groupID, ChatID: chatID, WorldID: id.ID, WorldName: id.DisplayName}))
}

// notifyAdmins 私聊超级管理员；未配置时发到群里
func (m *Manager) notifyAdmins(ctx context.Context, groupID int64, text string) {
	if len(m.opts.SuperAdmins) == 0 {
		m.sendGroup(ctx, groupID, text)
		return
	}
	for _, a := range m.opts.SuperAdmins {
		if err := m.chat.SendPrivateMessage(ctx, a, text); err != nil {
			logger.Warn("notify admin failed", zap.Int64("admin", a), zap.Error(err))
		}
	}
}

func (m *Manager) sendGroup(ctx context.Context, groupID int64, text string) {
	if groupID == 0 || text == "" {
		return
	}
	if err := m.chat.SendGroupMessage(ctx, groupID, text); err != nil {
		logger.Warn("send group message failed", zap.Int64("group", groupID), zap.Error(err))
	}
}

func containsCode(id model.Identity, code string) bool {
	return code != "" && (strings.Contains(id.StatusDescription, code) || strings.Contains(id.Bio, code))
}
