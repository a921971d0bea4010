package kafka

import "github.com/Shopify/sarama"

// Config 绑定审计日志的 Kafka 配置
type Config struct {
	Enabled           bool     `yaml:"enabled"`
	Brokers           []string `yaml:"brokers" env:"VBRIDGE_KAFKA_BROKERS" envSeparator:","`
	Topic             string   `yaml:"topic"`
	Partitions        int32    `yaml:"partitions"`         // 单机=1；生产按需
	ReplicationFactor int16    `yaml:"replication_factor"` // 单机=1；生产=3
	ProducerRetries   int      `yaml:"producer_retries"`
	Compression       string   `yaml:"compression"` // none/snappy/lz4/zstd
	Version           string   `yaml:"version"`     // 例如 "2.1.0"
	EnsureTopic       bool     `yaml:"ensure_topic"`
}

// 默认配置
var defaultConfig = Config{
	Brokers:           []string{"127.0.0.1:9092"},
	Topic:             "vbridge.binding-audit",
	Partitions:        1,
	ReplicationFactor: 1,
	ProducerRetries:   5,
	Compression:       "snappy",
	Version:           "2.1.0",
}

func (c *Config) setDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = defaultConfig.Brokers
	}
	if c.Topic == "" {
		c.Topic = defaultConfig.Topic
	}
	if c.Partitions <= 0 {
		c.Partitions = defaultConfig.Partitions
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = defaultConfig.ReplicationFactor
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = defaultConfig.ProducerRetries
	}
	if c.Compression == "" {
		c.Compression = defaultConfig.Compression
	}
	if c.Version == "" {
		c.Version = defaultConfig.Version
	}
}

func (c Config) kafkaVersion() sarama.KafkaVersion {
	v, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return sarama.V2_1_0_0
	}
	return v
}
