package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"VBridge/logger"
	"VBridge/middleware"
	midsec "VBridge/middleware/security"
	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/module/policy"
	"VBridge/tools/errs"
	jwtsec "VBridge/tools/security"
	"VBridge/tools/specialerror"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

type Config struct {
	Addr      string        `yaml:"addr"`
	JWTSecret string        `yaml:"jwt_secret" env:"VBRIDGE_JWT_SECRET"`
	PageSize  int           `yaml:"page_size"`
	Shutdown  time.Duration `yaml:"shutdown"`
	ReadOnly  bool          `yaml:"read_only" env:"VBRIDGE_HTTP_READ_ONLY"`
}

// Sessions 验证会话视图与管理员解绑
type Sessions interface {
	Sessions() []model.Session
	AdminUnbind(ctx context.Context, chatID, operator int64) (model.Binding, error)
}

// Server 管理 HTTP 接口
type Server struct {
	cfg      Config
	store    *store.Store
	policies *policy.Registry
	sessions Sessions
	engine   *gin.Engine
	mids     *middleware.MiddlewareManager
	started  time.Time
}

func New(cfg Config, st *store.Store, reg *policy.Registry, sess Sessions) *Server {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Shutdown <= 0 {
		cfg.Shutdown = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		store:    st,
		policies: reg,
		sessions: sess,
		engine:   gin.New(),
		mids:     middleware.NewManager(),
		started:  time.Now(),
	}
	s.engine.Use(middleware.Recovery(), middleware.AccessLog(), s.mids.Use())
	s.SetReadOnly(cfg.ReadOnly)
	s.routes()
	return s
}

// Handler 供 httptest 使用
func (s *Server) Handler() http.Handler { return s.engine }

const guardReadOnly = "readonly"

// SetReadOnly 维护期间拒绝写操作（DELETE / PUT），读接口不受影响
func (s *Server) SetReadOnly(on bool) {
	if !on {
		s.mids.Remove(guardReadOnly)
		return
	}
	s.mids.Set(guardReadOnly, func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": errs.ServerInternalError, "msg": "read-only mode"})
	})
}

func (s *Server) routes() {
	jwtOpts := jwtsec.DefaultOptions([]byte(s.cfg.JWTSecret))
	auth := midsec.Middleware(jwtOpts)
	read := middleware.RouteOpt{Auth: []gin.HandlerFunc{auth, midsec.RequireScope(ScopeRead)}}
	write := middleware.RouteOpt{Auth: []gin.HandlerFunc{auth, midsec.RequireScope(ScopeWrite)}}

	middleware.GET(s.engine, "/healthz", s.health, middleware.RouteOpt{})
	api := s.engine.Group("/api")
	middleware.GET(api, "/bindings", s.listBindings, read)
	middleware.GET(api, "/bindings/:chat_id", s.getBinding, read)
	middleware.DELETE(api, "/bindings/:chat_id", s.deleteBinding, write)
	middleware.GET(api, "/sessions", s.listSessions, read)
	middleware.GET(api, "/groups", s.listGroups, read)
	middleware.GET(api, "/groups/:group/policy", s.getPolicy, read)
	middleware.PUT(api, "/groups/:group/policy/:key", s.setPolicy, write)
}

// Run 监听直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", zap.String("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return errs.WrapMsg(err, "admin api", "addr", s.cfg.Addr)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"bindings": s.store.Count(),
		"sessions": len(s.sessions.Sessions()),
		"uptime":   time.Since(s.started).Truncate(time.Second).String(),
	})
}

type pageQuery struct {
	Q    string `form:"q"`
	Page int    `form:"page,default=1" binding:"min=1"`
	Size int    `form:"size" binding:"omitempty,min=1,max=500"`
}

func (s *Server) listBindings(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, errs.ErrFormat.WrapMsg(err.Error()))
		return
	}
	if q.Size == 0 {
		q.Size = s.cfg.PageSize
	}
	list := s.store.List()
	if q.Q != "" {
		list = s.store.Search(q.Q)
	}
	page, pages := store.Page(list, q.Page, q.Size)
	c.JSON(http.StatusOK, gin.H{"total": len(list), "page": q.Page, "pages": pages, "items": page})
}

func (s *Server) getBinding(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		fail(c, errs.ErrFormat.WrapMsg("chat_id must be numeric"))
		return
	}
	b, ok := s.store.LookupByChat(chatID)
	if !ok {
		fail(c, errs.ErrNotFound.WrapMsg("binding", "chat", chatID))
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) deleteBinding(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		fail(c, errs.ErrFormat.WrapMsg("chat_id must be numeric"))
		return
	}
	// 令牌主体是 QQ 号时记为操作人，否则记 0
	op, _ := strconv.ParseInt(c.GetString(middleware.CtxSubjectKey), 10, 64)
	b, err := s.sessions.AdminUnbind(c.Request.Context(), chatID, op)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) listSessions(c *gin.Context) {
	list := s.sessions.Sessions()
	if g := c.Query("group"); g != "" {
		gid, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			fail(c, errs.ErrFormat.WrapMsg("group must be numeric"))
			return
		}
		out := list[:0:0]
		for _, ss := range list {
			if ss.GroupID == gid {
				out = append(out, ss)
			}
		}
		list = out
	}
	c.JSON(http.StatusOK, gin.H{"total": len(list), "items": list})
}

// listGroups 有单独策略的群及其生效策略
func (s *Server) listGroups(c *gin.Context) {
	type item struct {
		GroupID int64         `json:"group_id"`
		Policy  policy.Policy `json:"policy"`
	}
	groups := s.policies.Groups()
	items := make([]item, 0, len(groups))
	for _, g := range groups {
		items = append(items, item{GroupID: g, Policy: s.policies.Get(g)})
	}
	c.JSON(http.StatusOK, gin.H{"total": len(items), "defaults": s.policies.Get(0), "items": items})
}

func (s *Server) getPolicy(c *gin.Context) {
	gid, err := strconv.ParseInt(c.Param("group"), 10, 64)
	if err != nil {
		fail(c, errs.ErrFormat.WrapMsg("group must be numeric"))
		return
	}
	c.JSON(http.StatusOK, s.policies.Get(gid))
}

type setBody struct {
	Value *string `json:"value" binding:"required"`
}

func (s *Server) setPolicy(c *gin.Context) {
	gid, err := strconv.ParseInt(c.Param("group"), 10, 64)
	if err != nil {
		fail(c, errs.ErrFormat.WrapMsg("group must be numeric"))
		return
	}
	var body setBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errs.ErrInvalidOption.WrapMsg("body must be {\"value\": \"...\"}"))
		return
	}
	p, err := s.policies.Set(c.Request.Context(), gid, c.Param("key"), *body.Value)
	if err != nil {
		fail(c, err)
		return
	}
	logger.Info("policy set via api", zap.Int64("group", gid), zap.String("key", c.Param("key")),
		zap.String("by", c.GetString(middleware.CtxSubjectKey)))
	c.JSON(http.StatusOK, p)
}

func fail(c *gin.Context, err error) {
	code := specialerror.Code(err)
	c.AbortWithStatusJSON(httpStatus(code), gin.H{"code": code, "msg": err.Error()})
}

func httpStatus(code int) int {
	switch code {
	case errs.FormatErrorCode, errs.InvalidOptionCode:
		return http.StatusBadRequest
	case errs.NotFoundCode:
		return http.StatusNotFound
	case errs.ConflictCode:
		return http.StatusConflict
	case errs.TimeoutCode:
		return http.StatusGatewayTimeout
	case errs.ApiTransientCode, errs.ApiFatalCode, errs.ApiErrorCode:
		return http.StatusBadGateway
	case errs.UnauthorizedCode:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
