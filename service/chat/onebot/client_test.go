package onebot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"github.com/gorilla/websocket"
)

const botSelfID = 99

// fakeBot 模拟 OneBot 实现端：推送事件、应答 action
type fakeBot struct {
	t       *testing.T
	auth    chan string
	actions chan actionReq
	reply   func(req actionReq) (map[string]any, bool)
	push    chan string
}

func newFakeBot(t *testing.T) (*fakeBot, *httptest.Server) {
	b := &fakeBot{
		t:       t,
		auth:    make(chan string, 4),
		actions: make(chan actionReq, 16),
		push:    make(chan string, 4),
		reply: func(req actionReq) (map[string]any, bool) {
			return map[string]any{"status": "ok", "retcode": 0, "data": nil, "echo": req.Echo}, true
		},
	}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.auth <- r.Header.Get("Authorization")
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		out := make(chan []byte, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var req actionReq
				if err := json.Unmarshal(data, &req); err != nil {
					continue
				}
				if req.Action == "get_login_info" {
					raw, _ := json.Marshal(map[string]any{
						"status":  "ok",
						"retcode": 0,
						"echo":    req.Echo,
						"data":    map[string]any{"user_id": botSelfID, "nickname": "vbridge"},
					})
					out <- raw
					continue
				}
				b.actions <- req
				if resp, ok := b.reply(req); ok {
					raw, _ := json.Marshal(resp)
					out <- raw
				}
			}
		}()
		for {
			select {
			case <-done:
				return
			case frame := <-b.push:
				_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
			case raw := <-out:
				_ = ws.WriteMessage(websocket.TextMessage, raw)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, cfg Config, sink Sink) *Client {
	t.Helper()
	c := New(cfg, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

func TestEventsReachSink(t *testing.T) {
	bot, srv := newFakeBot(t)
	got := make(chan model.Event, 1)
	startClient(t, Config{URL: wsURL(srv), AccessToken: "secret"}, func(_ context.Context, ev model.Event) error {
		got <- ev
		return nil
	})
	if auth := <-bot.auth; auth != "Bearer secret" {
		t.Fatalf("authorization = %q", auth)
	}
	bot.push <- `{"post_type":"meta_event","meta_event_type":"heartbeat"}`
	bot.push <- `{"post_type":"notice","notice_type":"group_increase","group_id":1,"user_id":2}`
	select {
	case ev := <-got:
		if ev.Kind != model.EventMemberAdded || ev.ChatID != 2 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestActionsCarryParams(t *testing.T) {
	bot, srv := newFakeBot(t)
	c := startClient(t, Config{URL: wsURL(srv)}, nil)
	ctx := context.Background()

	if err := c.ApproveJoinRequest(ctx, model.Event{Flag: "f-9"}); err != nil {
		t.Fatal(err)
	}
	req := <-bot.actions
	if req.Action != "set_group_add_request" || req.Params["flag"] != "f-9" || req.Params["approve"] != true {
		t.Fatalf("approve = %+v", req)
	}

	if err := c.MuteMember(ctx, 1, 2, 0); err != nil {
		t.Fatal(err)
	}
	req = <-bot.actions
	if req.Action != "set_group_ban" || req.Params["duration"] != float64(maxBanSeconds) {
		t.Fatalf("indefinite mute = %+v", req)
	}

	if err := c.UnmuteMember(ctx, 1, 2); err != nil {
		t.Fatal(err)
	}
	if req = <-bot.actions; req.Params["duration"] != float64(0) {
		t.Fatalf("unmute = %+v", req)
	}

	if err := c.SetMemberCard(ctx, 1, 2, "Bob"); err != nil {
		t.Fatal(err)
	}
	if req = <-bot.actions; req.Action != "set_group_card" || req.Params["card"] != "Bob" {
		t.Fatalf("card = %+v", req)
	}
}

func TestActionFailureAndTimeout(t *testing.T) {
	bot, srv := newFakeBot(t)
	bot.reply = func(req actionReq) (map[string]any, bool) {
		switch req.Action {
		case "set_group_kick":
			return map[string]any{"status": "failed", "retcode": 102, "wording": "权限不足", "echo": req.Echo}, true
		default:
			return nil, false
		}
	}
	c := startClient(t, Config{URL: wsURL(srv), CallTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	err := c.KickMember(ctx, 1, 2)
	if !errs.ErrApiFatal.Is(err) {
		t.Fatalf("kick err = %v", err)
	}
	err = c.SendGroupMessage(ctx, 1, "hello")
	if !errs.ErrTimeout.Is(err) {
		t.Fatalf("send err = %v", err)
	}
}

func TestCallWithoutConnection(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, nil)
	if err := c.SendPrivateMessage(context.Background(), 1, "x"); !errs.ErrApiTransient.Is(err) {
		t.Fatalf("err = %v", err)
	}
}

func waitSelf(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.SelfID() != botSelfID {
		if time.Now().After(deadline) {
			t.Fatalf("self id = %d", c.SelfID())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOwnJoinIgnored(t *testing.T) {
	bot, srv := newFakeBot(t)
	got := make(chan model.Event, 4)
	c := startClient(t, Config{URL: wsURL(srv)}, func(_ context.Context, ev model.Event) error {
		got <- ev
		return nil
	})
	waitSelf(t, c)
	bot.push <- `{"post_type":"notice","notice_type":"group_increase","group_id":1,"user_id":99}`
	bot.push <- `{"post_type":"notice","notice_type":"group_increase","group_id":1,"user_id":2}`
	select {
	case ev := <-got:
		if ev.ChatID != 2 {
			t.Fatalf("bot's own join delivered: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBlockedSinkDoesNotStallActions(t *testing.T) {
	bot, srv := newFakeBot(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	c := startClient(t, Config{URL: wsURL(srv), CallTimeout: time.Second}, func(_ context.Context, ev model.Event) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	t.Cleanup(func() { close(release) })
	bot.push <- `{"post_type":"notice","notice_type":"group_increase","group_id":1,"user_id":2}`
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	if err := c.SendGroupMessage(context.Background(), 1, "still answering"); err != nil {
		t.Fatalf("action while sink blocked: %v", err)
	}
}

func TestNickname(t *testing.T) {
	bot, srv := newFakeBot(t)
	bot.reply = func(req actionReq) (map[string]any, bool) {
		data := map[string]any{"user_id": req.Params["user_id"], "nickname": "小明"}
		return map[string]any{"status": "ok", "retcode": 0, "echo": req.Echo, "data": data}, true
	}
	c := startClient(t, Config{URL: wsURL(srv), CallTimeout: time.Second}, nil)
	name, err := c.Nickname(context.Background(), 42)
	if err != nil || name != "小明" {
		t.Fatalf("nickname = %q %v", name, err)
	}
	if req := <-bot.actions; req.Action != "get_stranger_info" || req.Params["user_id"] != float64(42) {
		t.Fatalf("request = %+v", req)
	}
}
