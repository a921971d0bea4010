package natsx

import (
	"context"

	"VBridge/tools/errs"
)

// NatsManager 统一门面：对外只暴露这一个对象
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
}

func NewNatsManager(cfg NatsxConfig, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NatsManager{
		client:   c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, middlewares...),
	}, nil
}

var errNotInit = errs.New("nats manager not initialized")

// Close 优雅关闭订阅与连接
func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) RegisterRoute(r NatsxRoute) error {
	if m == nil || m.client == nil {
		return errNotInit
	}
	return m.client.RegisterRoute(r)
}

// PublishOnce 带 Nats-Msg-Id 去重
func (m *NatsManager) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	if m == nil || m.producer == nil {
		return errNotInit
	}
	return m.producer.PublishOnce(ctx, biz, data, hdr, msgID)
}

// Subscribe 同组内用 Queue 分摊；广播则 Queue 置空
func (m *NatsManager) Subscribe(ctx context.Context, biz string, h NatsxHandler) error {
	if m == nil || m.consumer == nil {
		return errNotInit
	}
	return m.consumer.Subscribe(ctx, biz, h)
}

// Request 直接按 subject 请求-应答
func (m *NatsManager) Request(ctx context.Context, subject string, data []byte, hdr map[string]string) ([]byte, error) {
	if m == nil || m.client == nil {
		return nil, errNotInit
	}
	return m.client.request(ctx, subject, data, hdr)
}
