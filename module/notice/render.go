package notice

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
	"time"

	"VBridge/logger"

	"go.uber.org/zap"
)

// 模板键
const (
	KeyJoinPrompt      = "join_prompt"
	KeyStrictAlert     = "strict_alert"
	KeyReminder        = "reminder"
	KeyFormatError     = "format_error"
	KeyCodeIssued      = "code_issued"
	KeyCodeExpired     = "code_expired"
	KeyCodeMismatch    = "code_mismatch"
	KeyBound           = "bound"
	KeyWelcome         = "welcome"
	KeyRejectedMixed   = "rejected_mixed"
	KeyRejectedStrict  = "rejected_strict"
	KeyTimeoutMixed    = "timeout_mixed"
	KeyTimeoutStrict   = "timeout_strict"
	KeyKickAlert       = "kick_alert"
	KeyAdminAlert      = "admin_alert"
	KeyRejectJoin      = "reject_join"
	KeyDisabledPending = "disabled_pending"
	KeyRetryAnswer     = "retry_answer"
	KeyBannedAlert     = "banned_alert"
)

var defaults = map[string]string{
	KeyJoinPrompt:      "欢迎 {{.ChatID}}！请在 {{dur .Timeout}} 内发送你的 VRChat 用户ID（usr_ 开头）完成绑定。",
	KeyStrictAlert:     "[严格模式] {{.ChatID}} 已临时通过，需在 {{dur .Timeout}} 内完成验证，否则将被移出本群。",
	KeyReminder:        "{{.ChatID}} 还未完成 VRChat 绑定，剩余 {{dur .Remaining}}。",
	KeyFormatError:     "{{.ChatID}} 的 VRChat ID 格式不正确，应为 usr_xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx，还可以再试 {{.Left}} 次。",
	KeyRetryAnswer:     "{{.ChatID}} 验证未通过：{{.Reason}}。还可以再试 {{.Left}} 次。",
	KeyCodeIssued:      "{{.ChatID}} 请把 VRChat 状态描述改为 {{.Code}}，然后发送 !verify（{{dur .Expiry}} 内有效）。",
	KeyCodeExpired:     "{{.ChatID}} 验证码已过期，请发送 !code 重新获取。",
	KeyCodeMismatch:    "{{.ChatID}} 未在 VRChat 状态描述中找到验证码 {{.Code}}，修改后再发送 !verify。",
	KeyBound:           "{{.ChatID}} 绑定成功：{{.WorldName}}（{{.WorldID}}）",
	KeyWelcome:         "欢迎 {{.WorldName}} 加入本群！",
	KeyRejectedMixed:   "{{.ChatID}} 验证失败：{{.Reason}}。你已被禁言，完成绑定后自动解除。",
	KeyRejectedStrict:  "{{.ChatID}} 验证失败：{{.Reason}}。你将被移出本群。",
	KeyTimeoutMixed:    "{{.ChatID}} 未在时限内完成验证，已被禁言，完成绑定后自动解除。",
	KeyTimeoutStrict:   "{{.ChatID}} 未在时限内完成验证，将被移出本群。",
	KeyKickAlert:       "[严格模式] {{.ChatID}} 未通过验证，已移出。原因：{{.Reason}}",
	KeyAdminAlert:      "[VBridge] 群 {{.GroupID}} 成员 {{.ChatID}}：{{.Detail}}",
	KeyRejectJoin:      "请添加拒绝处理账号为好友完成相应的VRC状态验证绑定流程！",
	KeyDisabledPending: "加群申请 {{.ChatID}} 未匹配到 VRChat 账号（附言：{{.Comment}}），请管理员手动处理。",
	KeyBannedAlert:     "[VBridge] 群 {{.GroupID}} 成员 {{.ChatID}} 提交的 VRChat 账号 {{.WorldName}}（{{.WorldID}}）已被封禁，已拒绝。",
}

// Data 模板参数，按需填写
type Data struct {
	GroupID   int64
	ChatID    int64
	WorldID   string
	WorldName string
	Reason    string
	Detail    string
	Comment   string
	Code      string
	Left      int
	Timeout   time.Duration
	Remaining time.Duration
	Expiry    time.Duration
}

// Renderer 渲染面向用户的文本，模板可由配置覆盖
type Renderer struct {
	mu   sync.RWMutex
	tpls map[string]*template.Template
}

var funcs = template.FuncMap{"dur": humanDuration}

func NewRenderer(overrides map[string]string) (*Renderer, error) {
	r := &Renderer{tpls: map[string]*template.Template{}}
	for k, v := range defaults {
		if err := r.set(k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range overrides {
		if err := r.set(k, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Renderer) set(key, text string) error {
	t, err := template.New(key).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("template %s: %w", key, err)
	}
	r.mu.Lock()
	r.tpls[key] = t
	r.mu.Unlock()
	return nil
}

// Override 运行时替换单个模板（如群欢迎语）
func (r *Renderer) Override(key, text string) error { return r.set(key, text) }

// Render 出错时记录日志并返回键名，不中断流程
func (r *Renderer) Render(key string, d Data) string {
	r.mu.RLock()
	t, ok := r.tpls[key]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("unknown notice template", zap.String("key", key))
		return key
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		logger.Warn("render notice failed", zap.String("key", key), zap.Error(err))
		return key
	}
	return buf.String()
}

// RenderText 渲染一段临时模板（群自定义欢迎语）
func (r *Renderer) RenderText(text string, d Data) string {
	t, err := template.New("inline").Funcs(funcs).Parse(text)
	if err != nil {
		return text
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return text
	}
	return buf.String()
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d <= 0:
		return "0秒"
	case d < time.Minute:
		return fmt.Sprintf("%d秒", int(d.Seconds()))
	case d%time.Minute == 0 && d < time.Hour:
		return fmt.Sprintf("%d分钟", int(d.Minutes()))
	case d < time.Hour:
		return fmt.Sprintf("%d分%d秒", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%d小时%d分钟", int(d.Hours()), int(d.Minutes())%60)
}
