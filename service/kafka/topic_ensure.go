package kafka

import (
	"errors"

	"VBridge/logger"
	"VBridge/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EnsureTopic 审计 topic 不存在就创建；分区不足时扩分区（Kafka 只能加不能减）
func EnsureTopic(admin sarama.ClusterAdmin, c Config) error {
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return errs.WrapMsg(err, "describe topic", "topic", c.Topic)
	}
	exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError
	if !exists {
		minISR := "1"
		if c.ReplicationFactor >= 3 {
			minISR = "2"
		}
		td := &sarama.TopicDetail{
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				// 审计日志按 key 压缩，保留每个成员最后一次变更
				"cleanup.policy":                 strPtr("compact,delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
			},
		}
		if err := admin.CreateTopic(c.Topic, td, false); err != nil {
			var te *sarama.TopicError
			if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
				logger.Info("audit topic exists (race)", zap.String("topic", c.Topic))
				return nil
			}
			return errs.WrapMsg(err, "create topic", "topic", c.Topic)
		}
		logger.Info("audit topic created", zap.String("topic", c.Topic),
			zap.Int32("partitions", c.Partitions), zap.Int16("rf", c.ReplicationFactor))
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if c.Partitions > cur {
		if err := admin.CreatePartitions(c.Topic, c.Partitions, nil, false); err != nil {
			return errs.WrapMsg(err, "expand partitions", "topic", c.Topic, "from", cur, "to", c.Partitions)
		}
		logger.Info("audit topic partitions expanded", zap.String("topic", c.Topic),
			zap.Int32("from", cur), zap.Int32("to", c.Partitions))
	}
	return nil
}

func strPtr(s string) *string { return &s }
