package global

import (
	"context"
	"time"

	watcher "VBridge/config"
	"VBridge/data/database/mgo/mongoutil"
	"VBridge/data/database/pg"
	gconfig "VBridge/global/config"
	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/module/command"
	"VBridge/module/notice"
	"VBridge/module/policy"
	"VBridge/module/verify"
	"VBridge/service/chat/onebot"
	"VBridge/service/dispatcher"
	"VBridge/service/httpapi"
	"VBridge/service/kafka"
	"VBridge/service/natsx"
	"VBridge/service/storage/redis"
	"VBridge/service/vrc"
	"VBridge/tools/ids"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App 一个进程内的全部组件
type App struct {
	cfg      gconfig.AppConfig
	Store    *store.Store
	Policies *policy.Registry
	World    *vrc.Client
	Manager  *verify.Manager
	Dispatch *dispatcher.Dispatcher

	runners []func(ctx context.Context) error
	closers []func() error
}

// Build 按配置组装；中途失败会关闭已打开的资源
func Build(ctx context.Context, cfg gconfig.AppConfig) (*App, error) {
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	ids.SetNodeID(cfg.NodeID)

	app := &App{cfg: cfg}
	built := false
	defer func() {
		if !built {
			app.Close()
		}
	}()

	if err := app.buildStore(ctx); err != nil {
		return nil, err
	}

	var rm *redis.RedisManager
	if cfg.Redis.Enabled {
		var err error
		if rm, err = redis.New(ctx, cfg.Redis.Config); err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rm.Close)
	}
	if err := app.buildPolicies(ctx, rm); err != nil {
		return nil, err
	}

	text, err := notice.NewRenderer(cfg.Messages)
	if err != nil {
		return nil, err
	}
	app.World = vrc.New(cfg.VRChat)

	// dispatcher 依赖 chat，chat 的入站回调又要投递到 dispatcher
	submit := func(ctx context.Context, ev model.Event) error { return app.Dispatch.Submit(ctx, ev) }
	chat, err := app.buildChat(ctx, rm, submit)
	if err != nil {
		return nil, err
	}

	var mopts []verify.ManagerOption
	if rm != nil {
		mopts = append(mopts, verify.WithMuteStore(verify.NewRedisMutes(rm.Client(), rm.Key("muted")+":")))
	} else {
		logger.Warn("redis disabled, mixed-mode mute records are kept in memory only")
	}
	app.Manager = verify.NewManager(chat, app.World, app.Store, app.Policies, text, cfg.Verify, mopts...)
	copts := []command.HandlerOption{command.WithWorld(app.World)}
	if nicks, ok := chat.(command.Nicknames); ok {
		copts = append(copts, command.WithNicknames(nicks))
	}
	cmd := command.NewHandler(app.Manager, app.Store, app.Policies, cfg.Command, copts...)
	app.Dispatch = dispatcher.New(app.Manager, cmd, chat, cfg.Dispatcher)
	app.runners = append(app.runners,
		func(ctx context.Context) error { app.Manager.Run(ctx); return nil },
		app.Dispatch.Run,
	)

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewAuditProducer(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sink := kafka.NewAuditSink(producer, cfg.Kafka.Topic)
		app.Store.OnMutation(sink.Observe)
		app.closers = append(app.closers, sink.Close)
	}

	if cfg.HTTP.Addr != "" {
		api := httpapi.New(cfg.HTTP, app.Store, app.Policies, app.Manager)
		app.runners = append(app.runners, api.Run)
	}

	if cfg.Nacos.Enabled {
		w, err := watcher.NewWatcher(cfg.Nacos, app.Policies)
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
	}
	built = true
	return app, nil
}

func (a *App) buildStore(ctx context.Context) error {
	var (
		p   store.Persister
		err error
	)
	switch a.cfg.Store.Backend {
	case gconfig.StoreMongo:
		mc := a.cfg.Store.Mongo
		db, derr := mongoutil.NewMongoDB(ctx, &mc)
		if derr != nil {
			return derr
		}
		p, err = store.NewMongoPersister(ctx, db)
	case gconfig.StorePostgres:
		pool, perr := pg.NewPool(ctx, a.cfg.Store.Postgres)
		if perr != nil {
			return perr
		}
		p, err = store.NewPgPersister(ctx, pool)
	default:
		p, err = store.NewSnapshotPersister(a.cfg.Store.Snapshot)
	}
	if err != nil {
		return err
	}
	opts := []store.Option{}
	if a.cfg.Store.ErrorSnapshotDir != "" {
		opts = append(opts, store.WithErrorSnapshotDir(a.cfg.Store.ErrorSnapshotDir))
	}
	a.Store = store.New(p, opts...)
	a.closers = append(a.closers, a.Store.Close)
	if err := a.Store.Load(ctx); err != nil {
		return err
	}
	logger.Info("binding store loaded", zap.String("backend", a.cfg.Store.Backend), zap.Int("bindings", a.Store.Count()))
	return nil
}

// buildPolicies 配置文件默认值 → 配置文件各群 → Redis 中 !set 写入的覆盖
func (a *App) buildPolicies(ctx context.Context, rm *redis.RedisManager) error {
	var ps policy.Store
	if a.cfg.Policy.Persist && rm != nil {
		ps = policy.NewRedisStore(rm.Client(), rm.Key("policy")+":")
	}
	a.Policies = policy.NewRegistry(ps)
	if len(a.cfg.Policy.Defaults) > 0 {
		if err := a.Policies.ApplyDefaults(a.cfg.Policy.Defaults); err != nil {
			return err
		}
	}
	for g, raw := range a.cfg.Policy.Groups {
		if err := a.Policies.ApplyGroup(g, raw); err != nil {
			return err
		}
	}
	return a.Policies.Load(ctx)
}

func (a *App) buildChat(ctx context.Context, rm *redis.RedisManager, submit func(context.Context, model.Event) error) (verify.ChatClient, error) {
	switch a.cfg.Chat.Driver {
	case gconfig.ChatNats:
		nc := a.cfg.Chat.Nats
		ttl := nc.DedupTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		var idem natsx.IdemStore
		if rm != nil {
			idem = natsx.NewRedisIdem(rm.Client(), rm.Key("idem")+":", ttl)
		} else {
			idem = natsx.NewMemIdem(ctx, ttl)
		}
		mgr, err := natsx.NewNatsManager(nc.NatsxConfig, natsx.NatsxLogMiddleware(time.Second), natsx.NatsxIdemMiddleware(idem, ttl))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mgr.Close)
		bridge := natsx.NewBridge(mgr, nc)
		obs, err := bridge.PublishBindings()
		if err != nil {
			return nil, err
		}
		a.Store.OnMutation(obs)
		a.runners = append(a.runners, func(ctx context.Context) error {
			if err := bridge.Listen(ctx, submit); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
		return bridge, nil
	default:
		ob := onebot.New(a.cfg.Chat.OneBot, submit)
		a.runners = append(a.runners, ob.Run)
		return ob, nil
	}
}

// Run 阻塞到 ctx 结束或任一组件出错
func (a *App) Run(ctx context.Context) error {
	if err := a.World.Authenticate(ctx); err != nil {
		// 启动时登录失败不致命，首次调用时会重试
		logger.Warn("vrchat login failed at startup", zap.Error(err))
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range a.runners {
		run := run
		g.Go(func() error {
			err := run(gctx)
			if err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("component stopped", zap.Error(err))
		return err
	}
	return nil
}

// Close 逆序关闭
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	logger.Sync()
}
