package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode 群验证模式
type Mode string

const (
	ModeMixed    Mode = "mixed"    // 先通过，超时禁言
	ModeStrict   Mode = "strict"   // 先通过（或直接拒绝），超时踢出
	ModeDisabled Mode = "disabled" // 不建立验证会话
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeMixed, ModeStrict, ModeDisabled:
		return m, nil
	}
	return "", fmt.Errorf("unknown verification mode %q", s)
}

// State 验证会话状态
type State int

const (
	StateAwaitingAnswer State = iota
	StatePendingReview
	StateBound
	StateRejected
	StateTimedOut
	StateClosed
)

var stateNames = [...]string{"AWAITING_ANSWER", "PENDING_REVIEW", "BOUND", "REJECTED", "TIMED_OUT", "CLOSED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Open 会话仍在等待结果
func (s State) Open() bool { return s == StateAwaitingAnswer || s == StatePendingReview }

// Terminal 已出结果（含 CLOSED）
func (s State) Terminal() bool { return !s.Open() }

// Action 超时定时器到点后的动作
type Action int

const (
	ActionWarn Action = iota // 截止前提醒
	ActionMute
	ActionKick
)

// FinalAction 截止时的处罚：strict 踢出，其余禁言
func FinalAction(m Mode) Action {
	if m == ModeStrict {
		return ActionKick
	}
	return ActionMute
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionMute:
		return "mute"
	case ActionKick:
		return "kick"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Session 一次入群验证
type Session struct {
	ID          string    `json:"id"`
	GroupID     int64     `json:"group_id"`
	ChatID      int64     `json:"chat_id"`
	ClaimedID   string    `json:"claimed_id,omitempty"`   // 用户声明的 VRChat ID
	ClaimedName string    `json:"claimed_name,omitempty"` // 查询到的显示名
	Mode        Mode      `json:"mode"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
	Retries     int       `json:"retries"`
	NextAction  Action    `json:"next_action"`
	Code        string    `json:"-"` // 状态验证码
	CodeIssued  time.Time `json:"code_issued,omitempty"`
	Flag        string    `json:"-"` // 平台加群请求句柄
	Reason      string    `json:"reason,omitempty"`
	InGroup     bool      `json:"in_group"` // 入群后才发现未绑定的成员
}
