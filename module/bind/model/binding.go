package model

import (
	"regexp"
	"strings"
	"time"
)

// Source 绑定来源
type Source string

const (
	SourceVerified Source = "verified" // 入群验证通过
	SourceManual   Source = "manual"   // 管理员 !bind
	SourceAuto     Source = "auto"     // 其他自动流程
)

// OperatorSystem 自动绑定/解绑的操作人
const OperatorSystem = "system"

// Binding 聊天账号与 VRChat 账号的一对一绑定
type Binding struct {
	ChatID    int64     `json:"chat_id" bson:"_id"`                 // QQ 号
	WorldID   string    `json:"world_id" bson:"world_id"`           // VRChat 用户ID（小写）
	WorldName string    `json:"world_name" bson:"world_name"`       // VRChat 显示名
	BoundAt   time.Time `json:"bound_at" bson:"bound_at"`           // 绑定时间
	Operator  string    `json:"operator" bson:"operator"`           // 操作人，system 或管理员QQ
	Source    Source    `json:"source" bson:"source"`               // 来源
	GroupID   int64     `json:"group_id,omitempty" bson:"group_id"` // 发起绑定的群，0 表示群外
}

// SamePair 两个绑定是否指向同一对账号
func (b Binding) SamePair(o Binding) bool {
	return b.ChatID == o.ChatID && NormalizeWorldID(b.WorldID) == NormalizeWorldID(o.WorldID)
}

var worldIDPattern = regexp.MustCompile(`(?i)usr_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// IsWorldID 完整匹配 VRChat 用户ID 格式
func IsWorldID(s string) bool {
	s = strings.TrimSpace(s)
	loc := worldIDPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// FindWorldID 在任意文本中查找第一个 VRChat 用户ID
func FindWorldID(s string) (string, bool) {
	id := worldIDPattern.FindString(s)
	if id == "" {
		return "", false
	}
	return NormalizeWorldID(id), true
}

// LooksLikeWorldID 文本里出现了 usr_ 前缀（不管后面是否合法）
func LooksLikeWorldID(s string) bool {
	return strings.Contains(strings.ToLower(s), "usr_")
}

func NormalizeWorldID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
