package natsx

import (
	"context"
	"time"

	"VBridge/logger"

	"go.uber.org/zap"
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、幂等等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件，先注册的在最外层
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxLogMiddleware 记录处理失败与慢消息
func NatsxLogMiddleware(slow time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			start := time.Now()
			err := next(ctx, msg)
			cost := time.Since(start)
			if err != nil {
				logger.Warn("nats message failed", zap.String("subject", msg.Subject), zap.Duration("cost", cost), zap.Error(err))
			} else if slow > 0 && cost > slow {
				logger.Warn("nats message slow", zap.String("subject", msg.Subject), zap.Duration("cost", cost))
			}
			return err
		}
	}
}
