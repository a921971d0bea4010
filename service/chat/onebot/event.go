package onebot

import (
	"strconv"

	"VBridge/module/bind/model"
	"VBridge/tools/decode"
)

// parseEvent OneBot v11 上报 → model.Event；不关心的上报返回 false
func parseEvent(raw map[string]any) (model.Event, bool) {
	postType, _ := decode.ReadString(raw, "post_type")
	switch postType {
	case "request":
		return parseRequest(raw)
	case "notice":
		return parseNotice(raw)
	case "message":
		return parseMessage(raw)
	}
	return model.Event{}, false
}

func parseRequest(raw map[string]any) (model.Event, bool) {
	if rt, _ := decode.ReadString(raw, "request_type"); rt != "group" {
		return model.Event{}, false
	}
	if st, _ := decode.ReadString(raw, "sub_type"); st != "" && st != "add" {
		return model.Event{}, false
	}
	ev := model.Event{Kind: model.EventJoinRequest}
	var err error
	if ev.GroupID, err = decode.ReadInt64(raw, "group_id"); err != nil {
		return model.Event{}, false
	}
	if ev.ChatID, err = decode.ReadInt64(raw, "user_id"); err != nil {
		return model.Event{}, false
	}
	ev.Comment, _ = decode.ReadString(raw, "comment")
	ev.Flag, _ = decode.ReadString(raw, "flag")
	return ev, true
}

func parseNotice(raw map[string]any) (model.Event, bool) {
	nt, _ := decode.ReadString(raw, "notice_type")
	ev := model.Event{}
	switch nt {
	case "group_increase":
		ev.Kind = model.EventMemberAdded
	case "group_decrease":
		ev.Kind = model.EventMemberRemoved
		st, _ := decode.ReadString(raw, "sub_type")
		ev.Kicked = st == "kick"
		if st == "kick_me" {
			return model.Event{}, false
		}
	default:
		return model.Event{}, false
	}
	var err error
	if ev.GroupID, err = decode.ReadInt64(raw, "group_id"); err != nil {
		return model.Event{}, false
	}
	if ev.ChatID, err = decode.ReadInt64(raw, "user_id"); err != nil {
		return model.Event{}, false
	}
	ev.Operator, _ = decode.ReadInt64(raw, "operator_id")
	return ev, true
}

func parseMessage(raw map[string]any) (model.Event, bool) {
	ev := model.Event{Kind: model.EventMessage}
	var err error
	if ev.ChatID, err = decode.ReadInt64(raw, "user_id"); err != nil {
		return model.Event{}, false
	}
	mt, _ := decode.ReadString(raw, "message_type")
	switch mt {
	case "group":
		if ev.GroupID, err = decode.ReadInt64(raw, "group_id"); err != nil {
			return model.Event{}, false
		}
		if sender, err := decode.ReadMap(raw, "sender"); err == nil {
			role, _ := decode.ReadString(sender, "role")
			ev.Role = model.Role(role)
		}
	case "private":
	default:
		return model.Event{}, false
	}
	ev.Text, _ = decode.ReadString(raw, "raw_message")
	if id, err := decode.ReadInt64(raw, "message_id"); err == nil {
		ev.MsgID = strconv.FormatInt(id, 10)
	}
	return ev, true
}
