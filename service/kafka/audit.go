package kafka

import (
	"context"
	"strconv"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/store"

	"github.com/Shopify/sarama"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AuditRecord 审计日志一条记录
type AuditRecord struct {
	Seq       uint64    `json:"seq"`
	Op        string    `json:"op"`
	ChatID    int64     `json:"chat_id"`
	WorldID   string    `json:"world_id"`
	WorldName string    `json:"world_name"`
	Source    string    `json:"source"`
	GroupID   int64     `json:"group_id,omitempty"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

func recordOf(m store.Mutation) AuditRecord {
	return AuditRecord{
		Seq:       m.Seq,
		Op:        string(m.Op),
		ChatID:    m.Binding.ChatID,
		WorldID:   m.Binding.WorldID,
		WorldName: m.Binding.WorldName,
		Source:    string(m.Binding.Source),
		GroupID:   m.Binding.GroupID,
		Actor:     m.Actor,
		At:        m.At,
	}
}

// AuditSink 把绑定变更写到 Kafka；挂在 store.OnMutation 上
type AuditSink struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

func NewAuditSink(p sarama.AsyncProducer, topic string) *AuditSink {
	if topic == "" {
		topic = defaultConfig.Topic
	}
	a := &AuditSink{producer: p, topic: topic, done: make(chan struct{})}
	go a.drain()
	return a
}

func (a *AuditSink) drain() {
	defer close(a.done)
	succ, errc := a.producer.Successes(), a.producer.Errors()
	for succ != nil || errc != nil {
		select {
		case msg, ok := <-succ:
			if !ok {
				succ = nil
				continue
			}
			logger.Debug("audit record sent", zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
		case perr, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			logger.Error("audit record lost", zap.String("topic", perr.Msg.Topic), zap.Error(perr.Err))
		}
	}
}

// Observe 实现 store.Observer；ctx 结束时丢弃并记日志
func (a *AuditSink) Observe(ctx context.Context, m store.Mutation) {
	data, err := json.Marshal(recordOf(m))
	if err != nil {
		logger.Error("audit encode failed", zap.Uint64("seq", m.Seq), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(m.Binding.ChatID, 10)),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case a.producer.Input() <- msg:
	case <-ctx.Done():
		logger.Warn("audit record dropped", zap.Uint64("seq", m.Seq), zap.Error(ctx.Err()))
	}
}

// Close 刷出缓冲并关闭生产者
func (a *AuditSink) Close() error {
	err := a.producer.Close()
	<-a.done
	return err
}
