package config

import (
	"context"
	"sync"

	gconfig "VBridge/global/config"
	"VBridge/logger"
	"VBridge/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PolicyDoc Nacos 上发布的策略文档
//
//	defaults:
//	  verification_mode: mixed
//	groups:
//	  12345:
//	    timeout_seconds: 600
type PolicyDoc struct {
	Defaults map[string]string           `yaml:"defaults"`
	Groups   map[int64]map[string]string `yaml:"groups"`
}

// PolicyApplier policy.Registry 实现
type PolicyApplier interface {
	ApplyDefaults(raw map[string]string) error
	ApplyGroup(groupID int64, raw map[string]string) error
}

// Watcher 拉取一次并监听变更，把策略热加载到 registry
type Watcher struct {
	cfg    gconfig.NacosConfig
	target PolicyApplier
	client config_client.IConfigClient

	mu      sync.RWMutex
	current string
}

func NewWatcher(cfg gconfig.NacosConfig, target PolicyApplier) (*Watcher, error) {
	clientConfig := constant.NewClientConfig(
		constant.WithNamespaceId(cfg.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir("nacos/cache"),
		constant.WithLogDir("nacos/log"),
		constant.WithUsername(cfg.Username),
		constant.WithPassword(cfg.Password),
	)
	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  clientConfig,
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(cfg.Host, cfg.Port)},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "host", cfg.Host)
	}
	return &Watcher{cfg: cfg, target: target, client: client}, nil
}

// Start 首次读取失败返回错误；之后的变更在回调里应用
func (w *Watcher) Start(ctx context.Context) error {
	param := vo.ConfigParam{DataId: w.cfg.DataID, Group: w.cfg.Group}
	content, err := w.client.GetConfig(param)
	if err != nil {
		return errs.WrapMsg(err, "get nacos config", "data_id", w.cfg.DataID)
	}
	if err := w.apply(content); err != nil {
		return err
	}

	param.OnChange = func(namespace, group, dataId, data string) {
		if err := w.apply(data); err != nil {
			logger.Warn("nacos policy rejected, keeping previous", zap.String("data_id", dataId), zap.Error(err))
			return
		}
		logger.Info("nacos policy reloaded", zap.String("data_id", dataId))
	}
	if err := w.client.ListenConfig(param); err != nil {
		return errs.WrapMsg(err, "listen nacos config", "data_id", w.cfg.DataID)
	}
	go func() {
		<-ctx.Done()
		_ = w.client.CancelListenConfig(vo.ConfigParam{DataId: w.cfg.DataID, Group: w.cfg.Group})
		w.client.CloseClient()
	}()
	return nil
}

func (w *Watcher) apply(content string) error {
	if err := ApplyPolicyDoc(w.target, content); err != nil {
		return err
	}
	w.mu.Lock()
	w.current = content
	w.mu.Unlock()
	return nil
}

// Current 最近一次成功应用的内容
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ApplyPolicyDoc 解析并应用；默认值失败时不再处理各群
func ApplyPolicyDoc(target PolicyApplier, content string) error {
	var doc PolicyDoc
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return errs.ErrInvalidOption.WrapMsg("parse policy doc: " + err.Error())
	}
	if doc.Defaults != nil {
		if err := target.ApplyDefaults(doc.Defaults); err != nil {
			return err
		}
	}
	for g, raw := range doc.Groups {
		if err := target.ApplyGroup(g, raw); err != nil {
			return err
		}
	}
	return nil
}
