package natsx

import (
	"context"
	"errors"

	"VBridge/logger"
	"VBridge/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func newMsg(subject string, data []byte, hdr map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	return msg
}

func (c *NatsxClient) sendCore(subject string, data []byte, hdr map[string]string) error {
	if err := c.nc.PublishMsg(newMsg(subject, data, hdr)); err != nil {
		return errs.WrapMsg(err, "publish failed", "subject", subject)
	}
	return nil
}

func (c *NatsxClient) sendJS(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	ack, err := c.js.PublishMsg(newMsg(subject, data, hdr), nats.Context(ctx))
	if err != nil {
		return errs.WrapMsg(err, "publish failed", "subject", subject)
	}
	logger.Debug("published to stream", zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence))
	return nil
}

// request 请求-应答；无人订阅、超时分别映射为 ApiTransient / Timeout
func (c *NatsxClient) request(ctx context.Context, subject string, data []byte, hdr map[string]string) ([]byte, error) {
	reply, err := c.nc.RequestMsgWithContext(ctx, newMsg(subject, data, hdr))
	switch {
	case err == nil:
		return reply.Data, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, errs.ErrApiTransient.WrapMsg("no gateway subscribed", "subject", subject)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, errs.ErrTimeout.WrapMsg("gateway request timeout", "subject", subject)
	default:
		return nil, errs.ErrApiTransient.WrapMsg("gateway request: "+err.Error(), "subject", subject)
	}
}
