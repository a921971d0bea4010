package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"VBridge/module/bind/model"
)

// FailurePolicy 验证流程失败后是否通知管理员
type FailurePolicy string

const (
	FailureNotifyAdmin FailurePolicy = "notify_admin"
	FailureIgnore      FailurePolicy = "ignore"
)

const DefaultTimeoutSeconds = 300

// Policy 单个群的验证策略
type Policy struct {
	VerificationMode     model.Mode    `mapstructure:"verification_mode" json:"verification_mode"`
	AutoRejectOnJoin     bool          `mapstructure:"auto_reject_on_join" json:"auto_reject_on_join"`
	VRCGroupID           string        `mapstructure:"vrc_group_id" json:"vrc_group_id"`
	TargetRoleID         string        `mapstructure:"target_role_id" json:"target_role_id"`
	AutoAssignRole       bool          `mapstructure:"auto_assign_role" json:"auto_assign_role"`
	AutoRename           bool          `mapstructure:"auto_rename" json:"auto_rename"`
	CheckGroupMembership bool          `mapstructure:"check_group_membership" json:"check_group_membership"`
	CheckTroll           bool          `mapstructure:"check_troll" json:"check_troll"`
	JoinKeyword          string        `mapstructure:"join_keyword" json:"join_keyword"`
	TimeoutSeconds       int           `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	EnableWelcome        bool          `mapstructure:"enable_welcome" json:"enable_welcome"`
	WelcomeMessage       string        `mapstructure:"welcome_message" json:"welcome_message"`
	RequireCode          bool          `mapstructure:"require_code" json:"require_code"`
	UnbindOnLeave        bool          `mapstructure:"unbind_on_leave" json:"unbind_on_leave"`
	AutoRemoveOnKick     bool          `mapstructure:"auto_remove_on_kick" json:"auto_remove_on_kick"`
	FailurePolicy        FailurePolicy `mapstructure:"failure_policy" json:"failure_policy"`
	WarnBeforeSeconds    int           `mapstructure:"warn_before_seconds" json:"warn_before_seconds"`
}

// Defaults 未配置过的群使用的策略
func Defaults() Policy {
	return Policy{
		VerificationMode: model.ModeDisabled,
		TimeoutSeconds:   DefaultTimeoutSeconds,
		EnableWelcome:    true,
		UnbindOnLeave:    true,
		FailurePolicy:    FailureNotifyAdmin,
	}
}

func (p Policy) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p Policy) WarnBefore() time.Duration {
	return time.Duration(p.WarnBeforeSeconds) * time.Second
}

// CanAssignRole 开启了分配身份组且配置齐全
func (p Policy) CanAssignRole() bool {
	return p.AutoAssignRole && p.VRCGroupID != "" && p.TargetRoleID != ""
}

func (p Policy) Validate() error {
	if _, err := model.ParseMode(string(p.VerificationMode)); err != nil {
		return err
	}
	switch p.FailurePolicy {
	case FailureNotifyAdmin, FailureIgnore:
	default:
		return fmt.Errorf("failure_policy must be notify_admin or ignore, got %q", p.FailurePolicy)
	}
	if p.TimeoutSeconds < 30 || p.TimeoutSeconds > 7*24*3600 {
		return fmt.Errorf("timeout_seconds out of range [30, 604800]: %d", p.TimeoutSeconds)
	}
	if p.WarnBeforeSeconds < 0 || p.WarnBeforeSeconds >= p.TimeoutSeconds {
		return fmt.Errorf("warn_before_seconds must be in [0, timeout_seconds)")
	}
	if p.VRCGroupID != "" && !strings.HasPrefix(strings.ToLower(p.VRCGroupID), "grp_") {
		return fmt.Errorf("vrc_group_id must start with grp_")
	}
	return nil
}

// keys 允许 !set 修改的配置项
var keys = func() map[string]struct{} {
	m := map[string]struct{}{}
	for _, k := range []string{
		"verification_mode", "auto_reject_on_join", "vrc_group_id", "target_role_id",
		"auto_assign_role", "auto_rename", "check_group_membership", "check_troll",
		"join_keyword", "timeout_seconds", "enable_welcome", "welcome_message",
		"require_code", "unbind_on_leave", "auto_remove_on_kick", "failure_policy",
		"warn_before_seconds",
	} {
		m[k] = struct{}{}
	}
	return m
}()

// Keys 排好序的可配置项
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func IsKey(k string) bool {
	_, ok := keys[k]
	return ok
}
