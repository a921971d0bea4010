package verify

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"VBridge/module/bind/model"
	"VBridge/tools/safe"
)

// TimerQueue 按截止时间排序的延迟队列，单 goroutine 驱动；每个 key 至多一个定时器
type TimerQueue struct {
	mu    sync.Mutex
	items timerHeap
	index map[string]*timerItem
	wake  chan struct{}
	now   func() time.Time
}

type timerItem struct {
	key    string
	at     time.Time
	action model.Action
	fn     func(model.Action)
	pos    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}
func (h *timerHeap) Push(x any) {
	it := x.(*timerItem)
	it.pos = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

func NewTimerQueue() *TimerQueue {
	return &TimerQueue{
		index: map[string]*timerItem{},
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Schedule 同 key 已存在时替换，到期时以 action 调用 fn
func (q *TimerQueue) Schedule(key string, at time.Time, action model.Action, fn func(model.Action)) {
	q.mu.Lock()
	if old, ok := q.index[key]; ok {
		heap.Remove(&q.items, old.pos)
	}
	it := &timerItem{key: key, at: at, action: action, fn: fn}
	heap.Push(&q.items, it)
	q.index[key] = it
	q.mu.Unlock()
	q.poke()
}

// Pending 返回 key 上尚未触发的动作
func (q *TimerQueue) Pending(key string) (model.Action, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[key]
	if !ok {
		return 0, time.Time{}, false
	}
	return it.action, it.at, true
}

// Cancel 返回是否确实取消了一个未触发的定时器
func (q *TimerQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[key]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.index, key)
	return true
}

func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *TimerQueue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run 阻塞直到 ctx 结束；到期回调在独立 goroutine 中执行
func (q *TimerQueue) Run(ctx context.Context) {
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		due, wait := q.popDue()
		for _, it := range due {
			fn, act := it.fn, it.action
			safe.SafeGo("timer:"+it.key+"/"+act.String(), func() { fn(act) })
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-t.C:
		}
	}
}

func (q *TimerQueue) popDue() ([]*timerItem, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []*timerItem
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		it := heap.Pop(&q.items).(*timerItem)
		delete(q.index, it.key)
		due = append(due, it)
	}
	if len(q.items) == 0 {
		return due, time.Hour
	}
	return due, q.items[0].at.Sub(now)
}
