package onebot

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 禁言上限 30 天，视为无限期
const maxBanSeconds = 30 * 24 * 3600

type Config struct {
	URL          string        `yaml:"url" env:"VBRIDGE_ONEBOT_URL"`
	AccessToken  string        `yaml:"access_token" env:"VBRIDGE_ONEBOT_TOKEN"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
	EventBuffer  int           `yaml:"event_buffer"` // 待投递事件上限，满了丢弃并告警
}

func (c *Config) setDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Sink 接收解析后的入站事件（通常是 dispatcher.Submit）
type Sink func(ctx context.Context, ev model.Event) error

type actionResp struct {
	Status  string              `json:"status"`
	Retcode int                 `json:"retcode"`
	Message string              `json:"message"`
	Wording string              `json:"wording"`
	Data    jsoniter.RawMessage `json:"data"`
	Echo    string              `json:"echo"`
}

type actionReq struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// Client OneBot v11 正向 websocket 客户端，实现 verify.ChatClient
type Client struct {
	cfg  Config
	sink Sink

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan actionResp

	// 读循环只往 events 放，由 pump 调用 sink，action 应答不会被 sink 卡住
	events chan model.Event
	self   atomic.Int64
}

func New(cfg Config, sink Sink) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:     cfg,
		sink:    sink,
		pending: map[string]chan actionResp{},
		events:  make(chan model.Event, cfg.EventBuffer),
	}
}

// SelfID 机器人自己的 QQ，连接后由 get_login_info 取得；未知时为 0
func (c *Client) SelfID() int64 { return c.self.Load() }

// Run 连接并读取上报，断线后指数退避重连，直到 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectMin
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	if c.sink != nil {
		go c.pump(ctx)
	}
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		logger.Warn("onebot connection lost, reconnecting", zap.Error(err), zap.Duration("after", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	c.setConn(ws)
	logger.Info("onebot connected", zap.String("url", c.cfg.URL))
	go c.refreshSelf(ctx)
	defer func() {
		c.setConn(nil)
		_ = ws.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	// 读循环：只读；写由 call 加锁完成
	for {
		_, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("onebot peer closed", zap.Error(rerr))
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Info("onebot read timeout", zap.Error(rerr))
			}
			return rerr
		}
		c.onFrame(ctx, data)
	}
}

func (c *Client) onFrame(ctx context.Context, data []byte) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("onebot bad frame", zap.Error(err))
		return
	}
	if _, isResp := raw["retcode"]; isResp {
		var resp actionResp
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Warn("onebot bad action response", zap.Error(err))
			return
		}
		c.pmu.Lock()
		ch, ok := c.pending[resp.Echo]
		delete(c.pending, resp.Echo)
		c.pmu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}
	ev, ok := parseEvent(raw)
	if !ok || c.sink == nil {
		return
	}
	// 机器人自己入群不走验证
	if ev.Kind == model.EventMemberAdded && ev.ChatID != 0 && ev.ChatID == c.self.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
		logger.Warn("onebot event buffer full, dropped", zap.Stringer("event", ev), zap.Int("buffer", cap(c.events)))
	}
}

func (c *Client) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			if err := c.sink(ctx, ev); err != nil {
				logger.Warn("onebot event dropped", zap.Stringer("event", ev), zap.Error(err))
			}
		}
	}
}

func (c *Client) refreshSelf(ctx context.Context) {
	id, nick, err := c.LoginInfo(ctx)
	if err != nil {
		logger.Warn("onebot get_login_info failed", zap.Error(err))
		return
	}
	c.self.Store(id)
	logger.Info("onebot login info", zap.Int64("self_id", id), zap.String("nickname", nick))
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.connMu.Lock()
	c.conn = ws
	c.connMu.Unlock()
}

func (c *Client) current() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Connected 当前是否有可用连接
func (c *Client) Connected() bool { return c.current() != nil }

func (c *Client) call(ctx context.Context, action string, params map[string]any) (actionResp, error) {
	ws := c.current()
	if ws == nil {
		return actionResp{}, errs.ErrApiTransient.WrapMsg("onebot not connected", "action", action)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	echo := uuid.NewString()
	ch := make(chan actionResp, 1)
	c.pmu.Lock()
	c.pending[echo] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, echo)
		c.pmu.Unlock()
	}()

	data, err := json.Marshal(actionReq{Action: action, Params: params, Echo: echo})
	if err != nil {
		return actionResp{}, errs.Wrap(err)
	}
	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(dl)
	}
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return actionResp{}, errs.ErrApiTransient.WrapMsg("onebot write: "+err.Error(), "action", action)
	}

	select {
	case <-ctx.Done():
		return actionResp{}, errs.ErrTimeout.WrapMsg("onebot action timeout", "action", action)
	case resp := <-ch:
		if resp.Status == "failed" || resp.Retcode != 0 {
			msg := resp.Wording
			if msg == "" {
				msg = resp.Message
			}
			return resp, errs.ErrApiFatal.WrapMsg("onebot action failed", "action", action, "retcode", resp.Retcode, "msg", msg)
		}
		return resp, nil
	}
}

func (c *Client) ApproveJoinRequest(ctx context.Context, ev model.Event) error {
	_, err := c.call(ctx, "set_group_add_request", map[string]any{
		"flag": ev.Flag, "sub_type": "add", "approve": true,
	})
	return err
}

func (c *Client) RejectJoinRequest(ctx context.Context, ev model.Event, reason string) error {
	_, err := c.call(ctx, "set_group_add_request", map[string]any{
		"flag": ev.Flag, "sub_type": "add", "approve": false, "reason": reason,
	})
	return err
}

func (c *Client) MuteMember(ctx context.Context, groupID, chatID int64, d time.Duration) error {
	secs := int64(d / time.Second)
	if d <= 0 || secs > maxBanSeconds {
		secs = maxBanSeconds
	}
	_, err := c.call(ctx, "set_group_ban", map[string]any{"group_id": groupID, "user_id": chatID, "duration": secs})
	return err
}

func (c *Client) UnmuteMember(ctx context.Context, groupID, chatID int64) error {
	_, err := c.call(ctx, "set_group_ban", map[string]any{"group_id": groupID, "user_id": chatID, "duration": 0})
	return err
}

func (c *Client) KickMember(ctx context.Context, groupID, chatID int64) error {
	_, err := c.call(ctx, "set_group_kick", map[string]any{"group_id": groupID, "user_id": chatID, "reject_add_request": false})
	return err
}

func (c *Client) SendGroupMessage(ctx context.Context, groupID int64, text string) error {
	_, err := c.call(ctx, "send_group_msg", map[string]any{"group_id": groupID, "message": text, "auto_escape": true})
	return err
}

func (c *Client) SendPrivateMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.call(ctx, "send_private_msg", map[string]any{"user_id": chatID, "message": text, "auto_escape": true})
	return err
}

func (c *Client) SetMemberCard(ctx context.Context, groupID, chatID int64, card string) error {
	_, err := c.call(ctx, "set_group_card", map[string]any{"group_id": groupID, "user_id": chatID, "card": card})
	return err
}

// LoginInfo get_login_info，返回机器人 QQ
func (c *Client) LoginInfo(ctx context.Context) (int64, string, error) {
	resp, err := c.call(ctx, "get_login_info", nil)
	if err != nil {
		return 0, "", err
	}
	var info struct {
		UserID   jsoniter.Number `json:"user_id"`
		Nickname string          `json:"nickname"`
	}
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return 0, "", errs.Wrap(err)
	}
	id, err := info.UserID.Int64()
	if err != nil {
		return 0, "", errs.Wrap(err)
	}
	return id, info.Nickname, nil
}

// Nickname get_stranger_info 取 QQ 昵称
func (c *Client) Nickname(ctx context.Context, chatID int64) (string, error) {
	resp, err := c.call(ctx, "get_stranger_info", map[string]any{"user_id": chatID})
	if err != nil {
		return "", err
	}
	var info struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return "", errs.Wrap(err)
	}
	return info.Nickname, nil
}
