package middleware

import (
	"time"

	"VBridge/logger"
	"VBridge/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog 记录管理接口请求；handler 之后执行
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if sub, ok := c.Get(CtxSubjectKey); ok {
			fields = append(fields, zap.Any("subject", sub))
		}
		if c.Writer.Status() >= 500 {
			logger.Warn("admin api", fields...)
			return
		}
		logger.Info("admin api", fields...)
	}
}

// Recovery panic 转 500，不让单个请求拖垮进程
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("admin api panic", zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(r)))
				c.AbortWithStatusJSON(500, gin.H{"code": errs.ServerInternalError, "msg": "internal error"})
			}
		}()
		c.Next()
	}
}
