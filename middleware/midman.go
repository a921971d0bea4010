package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

type guard struct {
	name string
	h    gin.HandlerFunc
}

// MiddlewareManager 运行时可增删的前置守卫，按注册顺序执行。
// 守卫只做检查，不调用 c.Next；任一守卫 Abort 后请求结束。
type MiddlewareManager struct {
	guards atomic.Pointer[[]guard]
}

func NewManager() *MiddlewareManager {
	m := &MiddlewareManager{}
	m.guards.Store(&[]guard{})
	return m
}

// Set 按名字注册或替换守卫
func (m *MiddlewareManager) Set(name string, h gin.HandlerFunc) {
	for {
		old := m.guards.Load()
		next := make([]guard, 0, len(*old)+1)
		replaced := false
		for _, g := range *old {
			if g.name == name {
				g.h = h
				replaced = true
			}
			next = append(next, g)
		}
		if !replaced {
			next = append(next, guard{name: name, h: h})
		}
		if m.guards.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove 删除守卫，返回是否存在
func (m *MiddlewareManager) Remove(name string) bool {
	for {
		old := m.guards.Load()
		next := make([]guard, 0, len(*old))
		for _, g := range *old {
			if g.name != name {
				next = append(next, g)
			}
		}
		if len(next) == len(*old) {
			return false
		}
		if m.guards.CompareAndSwap(old, &next) {
			return true
		}
	}
}

func (m *MiddlewareManager) Names() []string {
	cur := *m.guards.Load()
	out := make([]string, 0, len(cur))
	for _, g := range cur {
		out = append(out, g.name)
	}
	return out
}

// Use 挂到 Engine 上的总入口
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, g := range *m.guards.Load() {
			g.h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
