package vrc

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/tools/errs"
	"VBridge/tools/safe"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

// credential 登录得到的 cookie
type credential struct {
	Auth       string    `json:"auth"`
	TwoFactor  string    `json:"two_factor_auth,omitempty"`
	ObtainedAt time.Time `json:"obtained_at"`
}

func (c credential) cookieHeader() string {
	h := "auth=" + c.Auth
	if c.TwoFactor != "" {
		h += "; twoFactorAuth=" + c.TwoFactor
	}
	return h
}

type credentialCache struct {
	mu   sync.RWMutex
	cur  credential
	path string
}

func newCredentialCache(path string) *credentialCache {
	return &credentialCache{path: path}
}

func (cc *credentialCache) get() credential {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.cur
}

func (cc *credentialCache) set(c credential) {
	cc.mu.Lock()
	cc.cur = c
	cc.mu.Unlock()
	if err := cc.save(c); err != nil {
		logger.Warn("save vrchat credential cache failed", zap.Error(err))
	}
}

// invalidate 只有仍是同一份凭证时才清掉，避免覆盖别人刚刷新的结果
func (cc *credentialCache) invalidate(c credential) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.cur.Auth == c.Auth {
		cc.cur = credential{}
	}
}

func (cc *credentialCache) load() error {
	if cc.path == "" {
		return nil
	}
	data, err := os.ReadFile(cc.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var c credential
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	cc.mu.Lock()
	cc.cur = c
	cc.mu.Unlock()
	return nil
}

func (cc *credentialCache) save(c credential) error {
	if cc.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cc.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cc.path, data, 0o600)
}

// credential 返回可用凭证：
// 过期或没有时同步登录（singleflight 合并并发登录）；
// 临近过期时后台刷新，本次仍用旧凭证。
func (c *Client) credential(ctx context.Context) (credential, error) {
	cur := c.creds.get()
	now := c.now()
	if cur.Auth != "" {
		expires := cur.ObtainedAt.Add(c.cfg.SessionTTL)
		if now.Before(expires) {
			if now.After(expires.Add(-c.cfg.RefreshMargin)) {
				safe.SafeGo("vrchat-refresh", func() {
					rctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.RequestTimeout)
					defer cancel()
					if _, err := c.refresh(rctx, cur); err != nil {
						logger.Warn("vrchat proactive refresh failed", zap.Error(err))
					}
				})
			}
			return cur, nil
		}
	}
	return c.refresh(ctx, cur)
}

// refresh 合并并发刷新；stale 是调用方看到的旧凭证，已被别人换掉时直接用新的
func (c *Client) refresh(ctx context.Context, stale credential) (credential, error) {
	ch := c.sf.DoChan("login", func() (interface{}, error) {
		if now := c.creds.get(); now.Auth != "" && now.Auth != stale.Auth {
			return now, nil
		}
		// 登录不跟随单个调用方的 ctx 取消
		lctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.RequestTimeout)
		defer cancel()
		cred, err := c.login(lctx)
		if err != nil {
			return credential{}, err
		}
		c.creds.set(cred)
		return cred, nil
	})
	select {
	case <-ctx.Done():
		return credential{}, errs.ErrTimeout.WrapMsg("waiting for login")
	case r := <-ch:
		if r.Err != nil {
			return credential{}, r.Err
		}
		return r.Val.(credential), nil
	}
}

// Authenticate 启动时预登录
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.refresh(ctx, c.creds.get())
	return err
}

type authUserResp struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

func (c *Client) login(ctx context.Context) (credential, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return credential{}, errs.ErrApiFatal.WrapMsg("vrchat username/password not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return credential{}, errs.ErrTimeout.WrapMsg("rate limiter wait for login")
	}
	resp, err := c.http.R().SetContext(ctx).
		SetBasicAuth(url.QueryEscape(c.cfg.Username), url.QueryEscape(c.cfg.Password)).
		Get("/auth/user")
	if err != nil {
		return credential{}, errs.ErrApiTransient.WrapMsg("login: " + err.Error())
	}
	switch st := resp.StatusCode(); {
	case st == http.StatusOK:
	case st == http.StatusTooManyRequests || st >= 500:
		return credential{}, errs.ErrApiTransient.WrapMsg("login status " + resp.Status())
	default:
		return credential{}, errs.ErrApiFatal.WrapMsg("login status " + resp.Status())
	}

	cred := credential{ObtainedAt: c.now()}
	for _, ck := range resp.Cookies() {
		if ck.Name == "auth" {
			cred.Auth = ck.Value
		}
	}
	if cred.Auth == "" {
		return credential{}, errs.ErrApiFatal.WrapMsg("login returned no auth cookie")
	}

	var u authUserResp
	if err := json.Unmarshal(resp.Body(), &u); err != nil {
		return credential{}, errs.ErrApiFatal.WrapMsg("decode login response: " + err.Error())
	}
	if len(u.RequiresTwoFactorAuth) > 0 {
		tf, err := c.verifyTOTP(ctx, cred, u.RequiresTwoFactorAuth)
		if err != nil {
			return credential{}, err
		}
		cred.TwoFactor = tf
	}
	logger.Info("vrchat login ok", zap.String("user", u.DisplayName))
	return cred, nil
}

func (c *Client) verifyTOTP(ctx context.Context, cred credential, methods []string) (string, error) {
	supported := false
	for _, m := range methods {
		if strings.EqualFold(m, "totp") {
			supported = true
		}
	}
	if !supported || c.cfg.TOTPSecret == "" {
		return "", errs.ErrApiFatal.WrapMsg("two-factor required but no usable totp secret", "methods", strings.Join(methods, ","))
	}
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
	if err != nil {
		return "", errs.ErrApiFatal.WrapMsg("generate totp: " + err.Error())
	}
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Cookie", cred.cookieHeader()).
		SetBody(map[string]string{"code": code}).
		Post("/auth/twofactorauth/totp/verify")
	if err != nil {
		return "", errs.ErrApiTransient.WrapMsg("totp verify: " + err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return "", errs.ErrApiFatal.WrapMsg("totp verify status " + resp.Status())
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == "twoFactorAuth" {
			return ck.Value, nil
		}
	}
	return "", errs.ErrApiFatal.WrapMsg("totp verify returned no cookie")
}
