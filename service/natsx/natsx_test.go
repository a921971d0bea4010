package natsx

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/tools/errs"

	"github.com/nats-io/nats.go"
)

// fakeTransport 记录请求，按 action 返回预设应答
type fakeTransport struct {
	mu        sync.Mutex
	routes    map[string]NatsxRoute
	handlers  map[string]NatsxHandler
	requests  []actionRequest
	subjects  []string
	replies   map[string]string
	reqErr    error
	published []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{routes: map[string]NatsxRoute{}, handlers: map[string]NatsxHandler{}, replies: map[string]string{}}
}

func (f *fakeTransport) RegisterRoute(r NatsxRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[r.Biz] = r
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, biz string, h NatsxHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[biz] = h
	return nil
}

func (f *fakeTransport) Request(_ context.Context, subject string, data []byte, _ map[string]string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reqErr != nil {
		return nil, f.reqErr
	}
	var req actionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)
	f.subjects = append(f.subjects, subject)
	if rep, ok := f.replies[req.Action]; ok {
		return []byte(rep), nil
	}
	return []byte(`{"status":"ok","retcode":0}`), nil
}

func (f *fakeTransport) PublishOnce(_ context.Context, biz string, _ []byte, _ map[string]string, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, biz+"/"+msgID)
	return nil
}

func TestBridgeActions(t *testing.T) {
	ft := newFakeTransport()
	b := NewBridge(ft, BridgeConfig{Prefix: "qq"})
	ctx := context.Background()

	if err := b.MuteMember(ctx, 1, 2, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.RejectJoinRequest(ctx, model.Event{GroupID: 1, ChatID: 2, Flag: "f"}, "no"); err != nil {
		t.Fatal(err)
	}
	if ft.subjects[0] != "qq.action.mute" || ft.requests[0].Params["duration_seconds"] != float64(0) {
		t.Fatalf("mute request = %s %+v", ft.subjects[0], ft.requests[0])
	}
	if ft.requests[1].Params["reason"] != "no" || ft.requests[1].Params["flag"] != "f" {
		t.Fatalf("reject request = %+v", ft.requests[1])
	}

	ft.replies["kick"] = `{"status":"failed","retcode":102,"message":"not admin"}`
	if err := b.KickMember(ctx, 1, 2); !errs.ErrApiFatal.Is(err) {
		t.Fatalf("kick err = %v", err)
	}
	ft.replies["send_group"] = `garbage`
	if err := b.SendGroupMessage(ctx, 1, "x"); !errs.ErrApiFatal.Is(err) {
		t.Fatalf("bad reply err = %v", err)
	}
	ft.reqErr = errs.ErrTimeout.WrapMsg("gateway request timeout")
	if err := b.SendPrivateMessage(ctx, 2, "x"); !errs.ErrTimeout.Is(err) {
		t.Fatalf("timeout err = %v", err)
	}
}

func TestBridgeListen(t *testing.T) {
	ft := newFakeTransport()
	b := NewBridge(ft, BridgeConfig{JetStream: true})
	var got []model.Event
	sink := func(_ context.Context, ev model.Event) error {
		got = append(got, ev)
		return nil
	}
	if err := b.Listen(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	r := ft.routes[bizEvents]
	if r.Subject != "vbridge.events" || r.Mode != JetStreamPush || r.Durable != "vbridge-events" || r.Stream != "VBRIDGE_EVENTS" {
		t.Fatalf("route = %+v", r)
	}
	h := ft.handlers[bizEvents]
	ctx := context.Background()
	_ = h(ctx, NatsxMessage{Data: []byte(`{"kind":"join_request","group_id":1,"chat_id":2,"comment":"hi","flag":"f"}`)})
	_ = h(ctx, NatsxMessage{Data: []byte(`{"kind":"poke","chat_id":2}`)})
	_ = h(ctx, NatsxMessage{Data: []byte(`not json`)})
	if len(got) != 1 || got[0].Kind != model.EventJoinRequest || got[0].Flag != "f" {
		t.Fatalf("events = %+v", got)
	}
}

func TestPublishBindings(t *testing.T) {
	ft := newFakeTransport()
	b := NewBridge(ft, BridgeConfig{})
	obs, err := b.PublishBindings()
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(nil)
	st.OnMutation(obs)
	if _, _, err := st.Bind(context.Background(), model.Binding{ChatID: 7, WorldID: "usr_12345678-abcd-ef01-2345-6789abcdef01"}); err != nil {
		t.Fatal(err)
	}
	if len(ft.published) != 1 || !strings.HasPrefix(ft.published[0], bizBindings+"/binding-") {
		t.Fatalf("published = %v", ft.published)
	}
	if ft.routes[bizBindings].Subject != "vbridge.bindings" {
		t.Fatalf("route = %+v", ft.routes[bizBindings])
	}
}

func TestIdemMiddlewareSkipsDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		calls++
		return nil
	}, NatsxLogMiddleware(0), NatsxIdemMiddleware(NewMemIdem(ctx, time.Minute), 0))

	msg := NatsxMessage{Subject: "s", Data: []byte("a"), Header: map[string]string{"Nats-Msg-Id": "m1"}}
	_ = h(ctx, msg)
	_ = h(ctx, msg)
	_ = h(ctx, NatsxMessage{Subject: "s", Data: []byte("a")})
	_ = h(ctx, NatsxMessage{Subject: "s", Data: []byte(" a ")})
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestMemIdemExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mi := NewMemIdem(ctx, time.Second).(*memIdem)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mi.now = func() time.Time { return now }
	if seen, _ := mi.SeenOnce(ctx, "k", 0); seen {
		t.Fatal("first sighting reported as seen")
	}
	if seen, _ := mi.SeenOnce(ctx, "k", 0); !seen {
		t.Fatal("duplicate not detected")
	}
	now = now.Add(2 * time.Second)
	mi.sweep()
	if seen, _ := mi.SeenOnce(ctx, "k", 0); seen {
		t.Fatal("expired key still seen")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) NatsxMiddleware {
		return func(next NatsxHandler) NatsxHandler {
			return func(ctx context.Context, msg NatsxMessage) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		order = append(order, "h")
		return nil
	}, mw("a"), mw("b"))
	_ = h(context.Background(), NatsxMessage{})
	if strings.Join(order, ",") != "a,b,h" {
		t.Fatalf("order = %v", order)
	}
}

// 需要真实 nats-server：VBRIDGE_TEST_NATS=nats://127.0.0.1:4222
func TestBridgeLive(t *testing.T) {
	url := os.Getenv("VBRIDGE_TEST_NATS")
	if url == "" {
		t.Skip("VBRIDGE_TEST_NATS not set")
	}
	mgr, err := NewNatsManager(NatsxConfig{Servers: []string{url}})
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()
	gw, err := NewNatsManager(NatsxConfig{Servers: []string{url}, Name: "fake-gateway"})
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = gw.client.nc.Subscribe("live.action.send_group", func(m *nats.Msg) {
		_ = m.Respond([]byte(`{"status":"ok","retcode":0}`))
	})
	if err != nil {
		t.Fatal(err)
	}
	b := NewBridge(mgr, BridgeConfig{Prefix: "live"})
	if err := b.SendGroupMessage(ctx, 1, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := b.KickMember(ctx, 1, 2); !errs.ErrApiTransient.Is(err) {
		t.Fatalf("no responder err = %v", err)
	}
}
