package model

import (
	"fmt"
	"strconv"
)

// EventKind 聊天平台入站事件类型
type EventKind string

const (
	EventJoinRequest   EventKind = "join_request"
	EventMemberAdded   EventKind = "member_added"
	EventMemberRemoved EventKind = "member_removed"
	EventMessage       EventKind = "message"
)

// Role 发送者在群内的角色
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Event 入站事件，不同类型只使用部分字段
type Event struct {
	Kind     EventKind `json:"kind"`
	GroupID  int64     `json:"group_id"`          // 私聊为 0
	ChatID   int64     `json:"chat_id"`           // 事件主体（申请人/成员/发送者）
	Comment  string    `json:"comment,omitempty"` // 加群申请附言
	Flag     string    `json:"flag,omitempty"`    // 加群申请句柄
	Kicked   bool      `json:"kicked,omitempty"`  // member_removed 时是否被踢
	Operator int64     `json:"operator,omitempty"`
	Text     string    `json:"text,omitempty"`
	Role     Role      `json:"role,omitempty"`
	MsgID    string    `json:"msg_id,omitempty"`
}

func (e Event) Private() bool { return e.Kind == EventMessage && e.GroupID == 0 }

// Key 按成员维度排序的键
func (e Event) Key() string {
	return strconv.FormatInt(e.GroupID, 10) + ":" + strconv.FormatInt(e.ChatID, 10)
}

func (e Event) String() string {
	return fmt.Sprintf("%s{group=%d chat=%d}", e.Kind, e.GroupID, e.ChatID)
}

// Identity VRChat 用户信息
type Identity struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	StatusDescription string   `json:"statusDescription"`
	Bio               string   `json:"bio"`
	State             string   `json:"state"`
	Tags              []string `json:"tags"`
}

const trollTag = "system_probable_troll"

// IsBanned 账号已被 VRChat 封禁
func (i Identity) IsBanned() bool { return i.State == "banned" }

func (i Identity) IsTroll() bool {
	for _, t := range i.Tags {
		if t == trollTag {
			return true
		}
	}
	return false
}

// Instance VRChat 群组实例
type Instance struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	WorldName string `json:"world_name"`
	Users     int    `json:"users"`
}
