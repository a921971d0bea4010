package natsx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsxMode 工作模式
type NatsxMode int

const (
	Core          NatsxMode = iota // 无持久化
	JetStreamPush                  // JS 推送订阅
)

// NatsxRoute 路由配置（按 Biz 维度注册）
type NatsxRoute struct {
	Biz           string
	Subject       string
	Mode          NatsxMode
	Queue         string // 队列组，多实例分摊
	Durable       string // JS durable 名
	AckWait       time.Duration
	MaxAckPending int
	Stream        string        // JS 流名；非空时注册路由会确保流存在且包含 Subject
	MaxAge        time.Duration // 流内消息保留时长，0 表示 24h
}

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers         []string      `yaml:"servers" env:"VBRIDGE_NATS_SERVERS" envSeparator:","`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user" env:"VBRIDGE_NATS_USER"`
	Password        string        `yaml:"password" env:"VBRIDGE_NATS_PASSWORD"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	Timeout         time.Duration `yaml:"timeout"`
	PublishAsyncMax int           `yaml:"publish_async_max"`
}

// NatsxClient 统一客户端
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu     sync.RWMutex
	routes map[string]NatsxRoute         // biz -> route
	subs   map[string]*nats.Subscription // biz -> sub
}

// NewNatsxClient 连接 NATS
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrFormat.WrapMsg("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	if cfg.Name == "" {
		cfg.Name = "vbridge"
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "servers", strings.Join(cfg.Servers, ","))
	}
	return &NatsxClient{
		cfg:    cfg,
		nc:     nc,
		routes: make(map[string]NatsxRoute),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close 优雅关闭
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// ensureJS 初始化 JetStream 上下文
func (c *NatsxClient) ensureJS() error {
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
	if err != nil {
		return err
	}
	c.js = js
	return nil
}

// RegisterRoute 注册 Biz 路由
func (c *NatsxClient) RegisterRoute(r NatsxRoute) error {
	if r.Biz == "" || r.Subject == "" {
		return errs.ErrFormat.WrapMsg("invalid route", "biz", r.Biz, "subject", r.Subject)
	}
	if r.Mode == JetStreamPush {
		if err := c.ensureJS(); err != nil {
			return errs.WrapMsg(err, "init jetstream")
		}
		if r.Stream != "" {
			if err := c.ensureStream(r); err != nil {
				return err
			}
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

// ensureStream 流不存在则创建；已存在但未覆盖 subject 时追加
func (c *NatsxClient) ensureStream(r NatsxRoute) error {
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	info, err := c.js.StreamInfo(r.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:       r.Stream,
			Subjects:   []string{r.Subject},
			Storage:    nats.FileStorage,
			MaxAge:     maxAge,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			return errs.WrapMsg(err, "add stream", "stream", r.Stream)
		}
		logger.Info("nats stream created", zap.String("stream", r.Stream), zap.String("subject", r.Subject))
		return nil
	}
	if err != nil {
		return errs.WrapMsg(err, "stream info", "stream", r.Stream)
	}
	for _, sub := range info.Config.Subjects {
		if sub == r.Subject {
			return nil
		}
	}
	cfg := info.Config
	cfg.Subjects = append(cfg.Subjects, r.Subject)
	if _, err := c.js.UpdateStream(&cfg); err != nil {
		return errs.WrapMsg(err, "update stream subjects", "stream", r.Stream)
	}
	return nil
}

// Connected 连接是否可用
func (c *NatsxClient) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// route 查询已注册路由
func (c *NatsxClient) route(biz string) (NatsxRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}
