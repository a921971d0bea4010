package vrc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config VRChat API 网关配置
type Config struct {
	BaseURL         string        `yaml:"base_url"`
	Username        string        `yaml:"username" env:"VBRIDGE_VRC_USERNAME"`
	Password        string        `yaml:"password" env:"VBRIDGE_VRC_PASSWORD"`
	TOTPSecret      string        `yaml:"totp_secret" env:"VBRIDGE_VRC_TOTP_SECRET"`
	UserAgent       string        `yaml:"user_agent"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	RefreshMargin   time.Duration `yaml:"refresh_margin"`
	CredentialCache string        `yaml:"credential_cache"` // 为空不落盘
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.vrchat.cloud/api/1"
	}
	if c.UserAgent == "" {
		c.UserAgent = "VBridge/1.0 (qq-vrchat binding bot)"
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 8 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RefreshMargin <= 0 || c.RefreshMargin >= c.SessionTTL {
		c.RefreshMargin = c.SessionTTL / 10
	}
}

// Client 带令牌桶、重试与凭证缓存的 VRChat REST 客户端，可并发使用
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	creds   *credentialCache
	sf      singleflight.Group
	now     func() time.Time
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")
	c := &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		creds:   newCredentialCache(cfg.CredentialCache),
		now:     time.Now,
	}
	if err := c.creds.load(); err != nil {
		logger.Warn("vrchat credential cache unreadable", zap.Error(err))
	}
	return c
}

// GetIdentity GET /users/{id}
func (c *Client) GetIdentity(ctx context.Context, worldID string) (model.Identity, error) {
	if !model.IsWorldID(worldID) {
		return model.Identity{}, errs.ErrFormat.WrapMsg("bad world id", "world", worldID)
	}
	var out model.Identity
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(model.NormalizeWorldID(worldID)), nil, nil, &out)
	if err != nil {
		return model.Identity{}, err
	}
	out.ID = model.NormalizeWorldID(out.ID)
	return out, nil
}

// SearchIdentity GET /users?search=&n=10
func (c *Client) SearchIdentity(ctx context.Context, name string) ([]model.Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.ErrFormat.WrapMsg("empty display name")
	}
	q := url.Values{"search": {name}, "n": {"10"}}
	var out []model.Identity
	if err := c.do(ctx, http.MethodGet, "/users", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindByName 显示名精确匹配（不区分大小写）
func (c *Client) FindByName(ctx context.Context, name string) (model.Identity, error) {
	list, err := c.SearchIdentity(ctx, name)
	if err != nil {
		return model.Identity{}, err
	}
	for _, id := range list {
		if strings.EqualFold(strings.TrimSpace(id.DisplayName), strings.TrimSpace(name)) {
			id.ID = model.NormalizeWorldID(id.ID)
			return id, nil
		}
	}
	return model.Identity{}, errs.ErrNotFound.WrapMsg("no exact display name match", "name", name)
}

// CheckGroupMembership GET /groups/{g}/members/{u}；404 视为不在群内
func (c *Client) CheckGroupMembership(ctx context.Context, groupID, worldID string) (bool, error) {
	var member struct {
		UserID           string `json:"userId"`
		MembershipStatus string `json:"membershipStatus"`
	}
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(worldID), nil, nil, &member)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return member.MembershipStatus == "" || member.MembershipStatus == "member", nil
}

// GroupAddMember 有 roleID 时分配身份组，否则发送入群邀请
func (c *Client) GroupAddMember(ctx context.Context, groupID, worldID, roleID string) error {
	if roleID != "" {
		path := "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(worldID) + "/roles/" + url.PathEscape(roleID)
		return c.do(ctx, http.MethodPut, path, nil, nil, nil)
	}
	body := map[string]any{"userId": worldID, "confirmOverrideBlock": true}
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/invites", nil, body, nil)
}

// GroupRemoveMember DELETE /groups/{g}/members/{u}
func (c *Client) GroupRemoveMember(ctx context.Context, groupID, worldID string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(worldID), nil, nil, nil)
}

type groupInstance struct {
	InstanceID  string     `json:"instanceId"`
	Location    string     `json:"location"`
	MemberCount int        `json:"memberCount"`
	NUsers      int        `json:"n_users"`
	World       worldBrief `json:"world"`
}

type worldBrief struct {
	Name string `json:"name"`
}

// GroupInstances GET /groups/{g}/instances，按人数降序
func (c *Client) GroupInstances(ctx context.Context, groupID string) ([]model.Instance, error) {
	if groupID == "" {
		return nil, errs.ErrFormat.WrapMsg("empty group id")
	}
	var raw []groupInstance
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/instances", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Instance, 0, len(raw))
	for _, r := range raw {
		out = append(out, model.Instance{ID: r.InstanceID, Location: r.Location, WorldName: r.World.Name, Users: max(r.NUsers, r.MemberCount)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Users > out[j].Users })
	return out, nil
}

// do 限流 + 凭证 + 重试。
// 404 立即返回 ErrNotFound；401 失效凭证后重登一次；429/5xx/网络错误按指数退避重试。
// 调用方截止时间到达时返回 ErrTimeout。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	reauthed := false
	attempt := 0

	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(errs.ErrTimeout.WrapMsg("rate limiter wait", "path", path))
		}
		cred, err := c.credential(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrApiTransient) {
				return err
			}
			return backoff.Permanent(err)
		}

		req := c.http.R().SetContext(ctx).SetHeader("Cookie", cred.cookieHeader())
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(errs.ErrTimeout.WrapMsg(ctx.Err().Error(), "path", path))
			}
			logger.Debug("vrchat request failed", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return errs.ErrApiTransient.WrapMsg(err.Error(), "path", path)
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			if out != nil && len(resp.Body()) > 0 {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return backoff.Permanent(errs.ErrApiFatal.WrapMsg("decode response: "+err.Error(), "path", path))
				}
			}
			return nil
		case status == http.StatusUnauthorized:
			c.creds.invalidate(cred)
			if !reauthed {
				reauthed = true
				return errs.ErrApiTransient.WrapMsg("unauthorized, re-authenticating", "path", path)
			}
			return backoff.Permanent(errs.ErrApiFatal.WrapMsg("unauthorized after re-login", "path", path))
		case status == http.StatusNotFound:
			return backoff.Permanent(errs.ErrNotFound.WrapMsg("vrchat 404", "path", path))
		case status == http.StatusTooManyRequests || status >= 500:
			return errs.ErrApiTransient.WrapMsg("vrchat status "+resp.Status(), "path", path)
		default:
			return backoff.Permanent(errs.ErrApiFatal.WrapMsg("vrchat status "+resp.Status(), "path", path, "body", truncate(resp.String(), 200)))
		}
	}

	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil && ctx.Err() != nil && !errors.Is(err, errs.ErrApi) {
		return errs.ErrTimeout.WrapMsg(ctx.Err().Error(), "path", path)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return errs.ErrTimeout.WrapMsg(err.Error(), "path", path)
	}
	return err
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
