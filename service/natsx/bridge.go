package natsx

import (
	"context"
	"strconv"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/tools/errs"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bizEvents   = "chat.events"
	bizBindings = "binding.changes"
)

// BridgeConfig 聊天网关经 NATS 接入：
// 网关向 <prefix>.events 发布事件，在 <prefix>.action.<name> 上应答动作请求
type BridgeConfig struct {
	NatsxConfig `yaml:",inline"`
	Prefix      string        `yaml:"prefix"`
	JetStream   bool          `yaml:"jetstream"`
	Durable     string        `yaml:"durable"`
	Stream      string        `yaml:"stream"`
	Queue       string        `yaml:"queue"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
}

func (c *BridgeConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "vbridge"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.JetStream && c.Durable == "" {
		c.Durable = "vbridge-events"
	}
	if c.JetStream && c.Stream == "" {
		c.Stream = "VBRIDGE_EVENTS"
	}
}

// Transport Bridge 依赖的 NATS 能力，NatsManager 实现
type Transport interface {
	RegisterRoute(r NatsxRoute) error
	Subscribe(ctx context.Context, biz string, h NatsxHandler) error
	Request(ctx context.Context, subject string, data []byte, hdr map[string]string) ([]byte, error)
	PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error
}

type actionRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

type actionReply struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
}

// Bridge 实现 verify.ChatClient，事件经 sink 投递给 dispatcher
type Bridge struct {
	cfg BridgeConfig
	t   Transport
}

func NewBridge(t Transport, cfg BridgeConfig) *Bridge {
	cfg.setDefaults()
	return &Bridge{cfg: cfg, t: t}
}

func (b *Bridge) eventSubject() string { return b.cfg.Prefix + ".events" }

func (b *Bridge) actionSubject(action string) string { return b.cfg.Prefix + ".action." + action }

// Listen 订阅网关事件；sink 返回错误时 JetStream 模式会 NAK 重投
func (b *Bridge) Listen(ctx context.Context, sink func(context.Context, model.Event) error) error {
	route := NatsxRoute{Biz: bizEvents, Subject: b.eventSubject(), Queue: b.cfg.Queue}
	if b.cfg.JetStream {
		route.Mode = JetStreamPush
		route.Durable = b.cfg.Durable
		route.Stream = b.cfg.Stream
	}
	if err := b.t.RegisterRoute(route); err != nil {
		return err
	}
	return b.t.Subscribe(ctx, bizEvents, func(ctx context.Context, msg NatsxMessage) error {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			logger.Warn("bad gateway event", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		return sink(ctx, ev)
	})
}

// PublishBindings 注册 <prefix>.bindings 路由，返回挂到 store.OnMutation 的观察者
func (b *Bridge) PublishBindings() (store.Observer, error) {
	if err := b.t.RegisterRoute(NatsxRoute{Biz: bizBindings, Subject: b.cfg.Prefix + ".bindings"}); err != nil {
		return nil, err
	}
	return func(ctx context.Context, m store.Mutation) {
		data, err := json.Marshal(m)
		if err != nil {
			logger.Error("encode binding change failed", zap.Uint64("seq", m.Seq), zap.Error(err))
			return
		}
		msgID := "binding-" + strconv.FormatUint(m.Seq, 10) + "-" + strconv.FormatInt(m.At.UnixNano(), 10)
		if err := b.t.PublishOnce(ctx, bizBindings, data, nil, msgID); err != nil {
			logger.Warn("publish binding change failed", zap.Uint64("seq", m.Seq), zap.Error(err))
		}
	}, nil
}

func decodeEvent(data []byte) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, errs.ErrFormat.WrapMsg("decode event: " + err.Error())
	}
	switch ev.Kind {
	case model.EventJoinRequest, model.EventMemberAdded, model.EventMemberRemoved, model.EventMessage:
	default:
		return ev, errs.ErrFormat.WrapMsg("unknown event kind", "kind", ev.Kind)
	}
	if ev.ChatID == 0 {
		return ev, errs.ErrFormat.WrapMsg("event without chat id", "kind", ev.Kind)
	}
	return ev, nil
}

func (b *Bridge) call(ctx context.Context, action string, params map[string]any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}
	data, err := json.Marshal(actionRequest{Action: action, Params: params})
	if err != nil {
		return errs.Wrap(err)
	}
	raw, err := b.t.Request(ctx, b.actionSubject(action), data, nil)
	if err != nil {
		return err
	}
	var rep actionReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return errs.ErrApiFatal.WrapMsg("bad gateway reply", "action", action)
	}
	if rep.Status != "ok" || rep.Retcode != 0 {
		return errs.ErrApiFatal.WrapMsg("gateway action failed", "action", action, "retcode", rep.Retcode, "msg", rep.Message)
	}
	return nil
}

func (b *Bridge) ApproveJoinRequest(ctx context.Context, ev model.Event) error {
	return b.call(ctx, "approve_join", map[string]any{"group_id": ev.GroupID, "user_id": ev.ChatID, "flag": ev.Flag})
}

func (b *Bridge) RejectJoinRequest(ctx context.Context, ev model.Event, reason string) error {
	return b.call(ctx, "reject_join", map[string]any{"group_id": ev.GroupID, "user_id": ev.ChatID, "flag": ev.Flag, "reason": reason})
}

// MuteMember duration_seconds 为 0 表示无限期
func (b *Bridge) MuteMember(ctx context.Context, groupID, chatID int64, d time.Duration) error {
	return b.call(ctx, "mute", map[string]any{"group_id": groupID, "user_id": chatID, "duration_seconds": int64(d / time.Second)})
}

func (b *Bridge) UnmuteMember(ctx context.Context, groupID, chatID int64) error {
	return b.call(ctx, "unmute", map[string]any{"group_id": groupID, "user_id": chatID})
}

func (b *Bridge) KickMember(ctx context.Context, groupID, chatID int64) error {
	return b.call(ctx, "kick", map[string]any{"group_id": groupID, "user_id": chatID})
}

func (b *Bridge) SendGroupMessage(ctx context.Context, groupID int64, text string) error {
	return b.call(ctx, "send_group", map[string]any{"group_id": groupID, "text": text})
}

func (b *Bridge) SendPrivateMessage(ctx context.Context, chatID int64, text string) error {
	return b.call(ctx, "send_private", map[string]any{"user_id": chatID, "text": text})
}

func (b *Bridge) SetMemberCard(ctx context.Context, groupID, chatID int64, card string) error {
	return b.call(ctx, "set_card", map[string]any{"group_id": groupID, "user_id": chatID, "card": card})
}
