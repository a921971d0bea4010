package dispatcher

import (
	"context"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/module/command"
	"VBridge/tools/safe"

	"github.com/golang/glog"
	"go.uber.org/zap"
)

// Manager 验证会话入口
type Manager interface {
	HandleJoinRequest(ctx context.Context, ev model.Event) error
	HandleMemberAdded(ctx context.Context, ev model.Event) error
	HandleMemberRemoved(ctx context.Context, ev model.Event) error
	HandleMessage(ctx context.Context, ev model.Event) (bool, error)
}

type Commander interface {
	Handle(ctx context.Context, ev model.Event) (string, error)
}

// Replier 命令回复出口
type Replier interface {
	SendGroupMessage(ctx context.Context, groupID int64, text string) error
	SendPrivateMessage(ctx context.Context, chatID int64, text string) error
}

type Options struct {
	QueueSize     int           `yaml:"queue_size"`     // 入站队列长度
	WorkerQueue   int           `yaml:"worker_queue"`   // 单个成员积压超过此数时告警
	IdleTimeout   time.Duration `yaml:"idle_timeout"`   // 成员 worker 空闲多久退出
	HandleTimeout time.Duration `yaml:"handle_timeout"` // 单个事件处理时限
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.WorkerQueue <= 0 {
		o.WorkerQueue = 16
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Minute
	}
	if o.HandleTimeout <= 0 {
		o.HandleTimeout = time.Minute
	}
}

type HandlerFunc func(ctx context.Context, ev model.Event) error

// Dispatcher 单一入站通道 + 按成员分片的 worker：
// 同一 (群, QQ) 的事件顺序处理，不同成员互不阻塞
type Dispatcher struct {
	opts     Options
	mgr      Manager
	cmd      Commander
	reply    Replier
	handlers map[model.EventKind]HandlerFunc

	in chan model.Event

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// worker 成员事件积压在 backlog 中，不设上限；投递方从不等待 worker
type worker struct {
	key  string
	wake chan struct{}

	mu      sync.Mutex
	backlog []model.Event
}

func (w *worker) push(ev model.Event) int {
	w.mu.Lock()
	w.backlog = append(w.backlog, ev)
	n := len(w.backlog)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return n
}

func (w *worker) pop() (model.Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.backlog) == 0 {
		return model.Event{}, false
	}
	ev := w.backlog[0]
	w.backlog[0] = model.Event{}
	w.backlog = w.backlog[1:]
	if len(w.backlog) == 0 {
		w.backlog = nil
	}
	return ev, true
}

func (w *worker) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

func New(mgr Manager, cmd Commander, reply Replier, opts Options) *Dispatcher {
	safe.MustNotNil(mgr, "manager")
	opts.setDefaults()
	d := &Dispatcher{
		opts:     opts,
		mgr:      mgr,
		cmd:      cmd,
		reply:    reply,
		handlers: map[model.EventKind]HandlerFunc{},
		in:       make(chan model.Event, opts.QueueSize),
		workers:  map[string]*worker{},
	}
	d.Register(model.EventJoinRequest, mgr.HandleJoinRequest)
	d.Register(model.EventMemberAdded, mgr.HandleMemberAdded)
	d.Register(model.EventMemberRemoved, mgr.HandleMemberRemoved)
	d.Register(model.EventMessage, d.onMessage)
	return d
}

func (d *Dispatcher) Register(kind model.EventKind, h HandlerFunc) { d.handlers[kind] = h }

// Submit 投递事件；队列满时阻塞到 ctx 结束
func (d *Dispatcher) Submit(ctx context.Context, ev model.Event) error {
	select {
	case d.in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 分发循环，ctx 结束后等待所有 worker 退出
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.in:
			d.route(ctx, ev)
		}
	}
}

// route 只做非阻塞操作：查找或创建 worker，追加到其 backlog
func (d *Dispatcher) route(ctx context.Context, ev model.Event) {
	key := ev.Key()
	d.mu.Lock()
	w, ok := d.workers[key]
	if !ok {
		w = &worker{key: key, wake: make(chan struct{}, 1)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.work(ctx, w)
	}
	n := w.push(ev)
	d.mu.Unlock()
	if n > d.opts.WorkerQueue {
		logger.Warn("member backlog over limit", zap.String("member", key), zap.Int("pending", n), zap.Stringer("event", ev))
	}
}

func (d *Dispatcher) work(ctx context.Context, w *worker) {
	defer d.wg.Done()
	idle := time.NewTimer(d.opts.IdleTimeout)
	defer idle.Stop()
	for {
		for {
			ev, ok := w.pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			d.handle(ctx, ev)
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(d.opts.IdleTimeout)
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-idle.C:
			// route 持 d.mu 追加，持锁确认为空后才能摘除
			d.mu.Lock()
			if w.pending() == 0 {
				delete(d.workers, w.key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev model.Event) {
	defer safe.Recover("dispatch " + ev.String())
	h, ok := d.handlers[ev.Kind]
	if !ok {
		glog.Infof("no handler for kind=%v", ev.Kind)
		return
	}
	hctx, cancel := context.WithTimeout(ctx, d.opts.HandleTimeout)
	defer cancel()
	if err := h(hctx, ev); err != nil {
		logger.Warn("handle event failed", zap.Stringer("event", ev), zap.Error(err))
	}
}

func (d *Dispatcher) onMessage(ctx context.Context, ev model.Event) error {
	if d.cmd != nil && command.IsCommand(ev.Text) {
		reply, err := d.cmd.Handle(ctx, ev)
		if err != nil {
			return err
		}
		if reply == "" || d.reply == nil {
			return nil
		}
		if ev.GroupID != 0 {
			return d.reply.SendGroupMessage(ctx, ev.GroupID, reply)
		}
		return d.reply.SendPrivateMessage(ctx, ev.ChatID, reply)
	}
	_, err := d.mgr.HandleMessage(ctx, ev)
	return err
}

// Workers 当前活跃的成员 worker 数
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}
