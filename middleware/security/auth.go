package security

import (
	"net/http"
	"strings"

	"VBridge/middleware"
	"VBridge/tools/errs"
	jwtsec "VBridge/tools/security"

	"github.com/gin-gonic/gin"
)

// CtxClaimsKey 鉴权通过后写入的 *jwtsec.AdminClaims
const CtxClaimsKey = "vbridge.claims"

// Middleware 校验 Authorization: Bearer <jwt>
func Middleware(opts jwtsec.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			abort(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(authz[len("bearer "):])
		claims, err := jwtsec.Verify(opts, token)
		if err != nil {
			abort(c, "invalid token")
			return
		}
		c.Set(CtxClaimsKey, claims)
		c.Set(middleware.CtxSubjectKey, claims.Subject)
		c.Next()
	}
}

// RequireScope 放在 Middleware 之后
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(CtxClaimsKey)
		claims, _ := v.(*jwtsec.AdminClaims)
		if !ok || claims == nil || !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": errs.UnauthorizedCode, "msg": "scope " + scope + " required"})
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="vbridge"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.UnauthorizedCode, "msg": msg})
}
