package middleware

import (
	"github.com/gin-gonic/gin"
)

// CtxSubjectKey 鉴权通过后写入的令牌主体
const CtxSubjectKey = "vbridge.subject"

// RouteOpt 路由选项；Auth 为空表示公开
type RouteOpt struct {
	Auth []gin.HandlerFunc
}

func handle(r gin.IRoutes, method, path string, handler gin.HandlerFunc, opt RouteOpt) {
	chain := append(append([]gin.HandlerFunc{}, opt.Auth...), handler)
	r.Handle(method, path, chain...)
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, "GET", path, handler, opt)
}

func PUT(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, "PUT", path, handler, opt)
}

func DELETE(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, "DELETE", path, handler, opt)
}
