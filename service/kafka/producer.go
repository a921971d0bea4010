package kafka

import (
	"strings"
	"time"

	"VBridge/tools/errs"

	"github.com/Shopify/sarama"
)

// BuildBaseConfig 审计生产者配置：Key=QQ号，同一成员的变更落在同一分区
func BuildBaseConfig(c Config) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = c.kafkaVersion()
	cfg.ClientID = "vbridge"

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// NewAuditProducer 按需建 topic，返回异步生产者
func NewAuditProducer(c Config) (sarama.AsyncProducer, error) {
	c.setDefaults()
	cfg := BuildBaseConfig(c)
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdmin(c.Brokers, cfg)
		if err != nil {
			return nil, errs.WrapMsg(err, "kafka admin", "brokers", strings.Join(c.Brokers, ","))
		}
		err = EnsureTopic(admin, c)
		_ = admin.Close()
		if err != nil {
			return nil, err
		}
	}
	p, err := sarama.NewAsyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer", "brokers", strings.Join(c.Brokers, ","))
	}
	return p, nil
}
