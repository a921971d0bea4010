package config

import (
	"os"
	"strings"
	"time"

	"VBridge/data/database/mgo/mongoutil"
	"VBridge/data/database/pg"
	"VBridge/logger"
	"VBridge/module/bind/store"
	"VBridge/module/command"
	"VBridge/module/verify"
	"VBridge/service/chat/onebot"
	"VBridge/service/dispatcher"
	"VBridge/service/httpapi"
	"VBridge/service/kafka"
	"VBridge/service/natsx"
	"VBridge/service/storage/redis"
	"VBridge/service/vrc"
	"VBridge/tools/errs"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	ChatOneBot = "onebot"
	ChatNats   = "nats"

	StoreSnapshot = "snapshot"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// AppConfig 进程全部配置：YAML 文件 → 环境变量覆盖 → 校验
type AppConfig struct {
	NodeID      int64   `yaml:"node_id" validate:"gte=0,lt=1024"`
	SuperAdmins []int64 `yaml:"super_admins" env:"VBRIDGE_SUPER_ADMINS" envSeparator:","`

	Log        logger.Config      `yaml:"log"`
	Chat       ChatConfig         `yaml:"chat"`
	VRChat     vrc.Config         `yaml:"vrchat"`
	Store      StoreConfig        `yaml:"store"`
	Policy     PolicyConfig       `yaml:"policy"`
	Redis      RedisConfig        `yaml:"redis"`
	Kafka      kafka.Config       `yaml:"kafka"`
	Nacos      NacosConfig        `yaml:"nacos"`
	HTTP       httpapi.Config     `yaml:"http"`
	Verify     verify.Options     `yaml:"verify"`
	Command    command.Options    `yaml:"command"`
	Dispatcher dispatcher.Options `yaml:"dispatcher"`
	Messages   map[string]string  `yaml:"messages"` // 提示文案覆盖，key 见 notice 包
}

type ChatConfig struct {
	Driver string             `yaml:"driver" validate:"oneof=onebot nats"`
	OneBot onebot.Config      `yaml:"onebot"`
	Nats   natsx.BridgeConfig `yaml:"nats"`
}

type StoreConfig struct {
	Backend          string               `yaml:"backend" env:"VBRIDGE_STORE_BACKEND" validate:"oneof=snapshot mongo postgres"`
	ErrorSnapshotDir string               `yaml:"error_snapshot_dir"`
	Snapshot         store.SnapshotConfig `yaml:"snapshot"`
	Mongo            mongoutil.Config     `yaml:"mongo"`
	Postgres         pg.Config            `yaml:"postgres"`
}

type PolicyConfig struct {
	Defaults map[string]string           `yaml:"defaults"`
	Groups   map[int64]map[string]string `yaml:"groups"`
	Persist  bool                        `yaml:"persist"` // 群策略写入 Redis
}

type RedisConfig struct {
	Enabled      bool `yaml:"enabled"`
	redis.Config `yaml:",inline"`
}

type NacosConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      uint64 `yaml:"port"`
	Namespace string `yaml:"namespace"`
	DataID    string `yaml:"data_id"`
	Group     string `yaml:"group"`
	Username  string `yaml:"username" env:"VBRIDGE_NACOS_USERNAME"`
	Password  string `yaml:"password" env:"VBRIDGE_NACOS_PASSWORD"`
}

// Default 未写配置文件时的取值
func Default() AppConfig {
	return AppConfig{
		Log:   logger.Config{Level: "info"},
		Chat:  ChatConfig{Driver: ChatOneBot, OneBot: onebot.Config{URL: "ws://127.0.0.1:3001"}},
		Store: StoreConfig{Backend: StoreSnapshot, Snapshot: store.SnapshotConfig{Path: "data/bindings.json", BackupDir: "data/backup", Keep: 24}},
		Nacos: NacosConfig{Port: 8848, DataID: "vbridge-policy.yaml", Group: "DEFAULT_GROUP"},
		HTTP:  httpapi.Config{Shutdown: 5 * time.Second},
	}
}

// Load path 为空时只用默认值和环境变量
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.ErrInvalidOption.WrapMsg("parse config: "+err.Error(), "path", path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errs.ErrInvalidOption.WrapMsg("parse env: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.Verify.SuperAdmins = cfg.SuperAdmins
	return cfg, nil
}

var validate = validator.New()

func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.ErrInvalidOption.WrapMsg(err.Error())
	}
	var problems []string
	switch c.Chat.Driver {
	case ChatOneBot:
		if c.Chat.OneBot.URL == "" {
			problems = append(problems, "chat.onebot.url is required")
		}
	case ChatNats:
		if len(c.Chat.Nats.Servers) == 0 {
			problems = append(problems, "chat.nats.servers is required")
		}
	}
	switch c.Store.Backend {
	case StoreSnapshot:
		if c.Store.Snapshot.Path == "" {
			problems = append(problems, "store.snapshot.path is required")
		}
	case StoreMongo:
		if c.Store.Mongo.Uri == "" && len(c.Store.Mongo.Address) == 0 {
			problems = append(problems, "store.mongo.uri or address is required")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			problems = append(problems, "store.postgres.dsn is required")
		}
	}
	if c.Policy.Persist && !c.Redis.Enabled {
		problems = append(problems, "policy.persist needs redis.enabled")
	}
	if c.HTTP.Addr != "" && len(c.HTTP.JWTSecret) < 16 {
		problems = append(problems, "http.jwt_secret must be at least 16 bytes when http.addr is set")
	}
	if c.Nacos.Enabled && (c.Nacos.Host == "" || c.Nacos.DataID == "") {
		problems = append(problems, "nacos.host and nacos.data_id are required")
	}
	if len(problems) > 0 {
		return errs.ErrInvalidOption.WrapMsg(strings.Join(problems, "; "))
	}
	return nil
}
