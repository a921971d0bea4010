package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/module/policy"
	"VBridge/tools/errs"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager 命令用到的会话管理能力，由 verify.Manager 实现
type Manager interface {
	AdminBind(ctx context.Context, groupID, chatID int64, target string, operator int64) (model.Binding, error)
	AdminUnbind(ctx context.Context, chatID, operator int64) (model.Binding, error)
	IssueCode(ctx context.Context, groupID, chatID int64) (string, error)
	VerifyCode(ctx context.Context, groupID, chatID int64, worldID string) (string, error)
	IsSuperAdmin(chatID int64) bool
}

// World 命令用到的 VRChat 查询，由 vrc.Client 实现
type World interface {
	GetIdentity(ctx context.Context, worldID string) (model.Identity, error)
	SearchIdentity(ctx context.Context, name string) ([]model.Identity, error)
	GroupInstances(ctx context.Context, groupID string) ([]model.Instance, error)
}

// Nicknames 按 QQ 号取昵称
type Nicknames interface {
	Nickname(ctx context.Context, chatID int64) (string, error)
}

type HandlerFunc func(ctx context.Context, ev model.Event, args []string) (string, error)

type command struct {
	name  string
	usage string
	desc  string
	admin bool
	run   HandlerFunc
}

type Options struct {
	Cooldown time.Duration `yaml:"cooldown"`
	PageSize int           `yaml:"page_size"`
}

// Handler 解析并执行 ! 开头的命令
type Handler struct {
	mgr      Manager
	store    *store.Store
	policies *policy.Registry
	opts     Options
	world    World
	nicks    Nicknames

	commands map[string]*command

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

type HandlerOption func(*Handler)

func WithWorld(w World) HandlerOption { return func(h *Handler) { h.world = w } }

// WithNicknames !query 额外按 QQ 昵称匹配
func WithNicknames(n Nicknames) HandlerOption { return func(h *Handler) { h.nicks = n } }

func NewHandler(mgr Manager, st *store.Store, reg *policy.Registry, opts Options, more ...HandlerOption) *Handler {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	} else if opts.Cooldown == 0 {
		opts.Cooldown = 3 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	h := &Handler{
		mgr:      mgr,
		store:    st,
		policies: reg,
		opts:     opts,
		commands: map[string]*command{},
		last:     map[string]time.Time{},
		now:      time.Now,
	}
	for _, o := range more {
		o(h)
	}
	h.register(&command{name: "bind", usage: "!bind <QQ号> <VRChat ID或名字>", desc: "手动绑定", admin: true, run: h.bind})
	h.register(&command{name: "unbind", usage: "!unbind <QQ号>", desc: "解除绑定", admin: true, run: h.unbind})
	h.register(&command{name: "list", usage: "!list [页码]", desc: "查看绑定列表", admin: true, run: h.list})
	h.register(&command{name: "search", usage: "!search <关键词>", desc: "按 QQ号/ID/名字搜索绑定", admin: true, run: h.search})
	h.register(&command{name: "query", usage: "!query <QQ号/昵称/VRChat ID/名字>", desc: "查询绑定，含 QQ 昵称匹配", admin: true, run: h.query})
	h.register(&command{name: "find", usage: "!find <VRChat 名字或ID>", desc: "搜索 VRChat 用户", admin: true, run: h.find})
	h.register(&command{name: "set", usage: "!set <key> <value>", desc: "修改本群验证策略，不带参数时查看", admin: true, run: h.set})
	h.register(&command{name: "code", usage: "!code", desc: "获取状态验证码", run: h.code})
	h.register(&command{name: "verify", usage: "!verify [VRChat ID]", desc: "提交 ID 或检查验证码", run: h.verify})
	h.register(&command{name: "me", usage: "!me", desc: "查看自己的绑定", run: h.me})
	h.register(&command{name: "instances", usage: "!instances", desc: "查看本群 VRChat 群组实例", run: h.instances})
	h.register(&command{name: "help", usage: "!help", desc: "查看帮助", run: h.help})
	return h
}

func (h *Handler) register(c *command) { h.commands[c.name] = c }

// IsCommand 以半角或全角感叹号开头
func IsCommand(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "!") || strings.HasPrefix(t, "！")
}

func parse(text string) (string, []string) {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "！")
	t = strings.TrimPrefix(t, "!")
	fields := strings.Fields(t)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Handle 返回要回复的文本；空串表示不回复
func (h *Handler) Handle(ctx context.Context, ev model.Event) (string, error) {
	name, args := parse(ev.Text)
	c, ok := h.commands[name]
	if !ok {
		if name == "" {
			return "", nil
		}
		return fmt.Sprintf("未知命令 !%s，发送 !help 查看帮助", name), nil
	}
	if c.admin && !h.isAdmin(ev) {
		return "权限不足：该命令仅限管理员使用", nil
	}
	if !h.allow(ev.ChatID, c.name) {
		logger.Debug("command cooling down", zap.String("cmd", c.name), zap.Int64("chat", ev.ChatID))
		return "", nil
	}
	reply, err := c.run(ctx, ev, args)
	if err != nil {
		logger.Info("command failed", zap.String("cmd", c.name), zap.Stringer("event", ev), zap.Error(err))
		return describe(err, c.usage), nil
	}
	return reply, nil
}

func (h *Handler) isAdmin(ev model.Event) bool {
	if h.mgr.IsSuperAdmin(ev.ChatID) {
		return true
	}
	return ev.GroupID != 0 && (ev.Role == model.RoleOwner || ev.Role == model.RoleAdmin)
}

func (h *Handler) allow(chatID int64, name string) bool {
	if h.opts.Cooldown == 0 {
		return true
	}
	key := strconv.FormatInt(chatID, 10) + ":" + name
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if at, ok := h.last[key]; ok && now.Sub(at) < h.opts.Cooldown {
		return false
	}
	h.last[key] = now
	return true
}

var (
	errUsage   = errs.New("bad usage")
	errNoWorld = errs.New("vrchat lookups not configured")
)

const (
	maxFound    = 5
	nickTimeout = 10 * time.Second
)

// describe 错误 → 面向用户的文本
func describe(err error, usage string) string {
	switch {
	case errors.Is(err, errUsage):
		return "用法：" + usage
	case errors.Is(err, errNoWorld):
		return "未配置 VRChat 查询"
	case errors.Is(err, errs.ErrConflict):
		return "绑定冲突（Conflict）：该 QQ 或 VRChat 账号已绑定到其他账号，未做任何修改"
	case errors.Is(err, errs.ErrNotFound):
		return "未找到（NotFound）：" + errs.Detail(err)
	case errors.Is(err, errs.ErrFormat):
		return "格式错误：" + errs.Detail(err) + "\n用法：" + usage
	case errors.Is(err, errs.ErrInvalidOption):
		return "无效设置（InvalidOption）：" + errs.Detail(err) + "\n可用项：" + strings.Join(policy.Keys(), ", ")
	case errors.Is(err, errs.ErrTimeout):
		return "VRChat 接口超时，请稍后再试"
	case errors.Is(err, errs.ErrApi):
		return "VRChat 接口异常，请稍后再试"
	}
	return "执行失败：" + err.Error()
}

func (h *Handler) bind(ctx context.Context, ev model.Event, args []string) (string, error) {
	if len(args) < 2 {
		return "", errUsage
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || chatID <= 0 {
		return "", errs.ErrFormat.WrapMsg("QQ号必须是正整数", "input", args[0])
	}
	b, err := h.mgr.AdminBind(ctx, ev.GroupID, chatID, strings.Join(args[1:], " "), ev.ChatID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("已绑定 QQ %d → %s（%s）", b.ChatID, b.WorldName, b.WorldID), nil
}

func (h *Handler) unbind(ctx context.Context, ev model.Event, args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "", errs.ErrFormat.WrapMsg("QQ号必须是整数", "input", args[0])
	}
	b, err := h.mgr.AdminUnbind(ctx, chatID, ev.ChatID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("已解除 QQ %d 与 %s（%s）的绑定", b.ChatID, b.WorldName, b.WorldID), nil
}

func (h *Handler) list(_ context.Context, _ model.Event, args []string) (string, error) {
	page := 1
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 1 {
			return "", errs.ErrFormat.WrapMsg("页码必须是正整数", "input", args[0])
		}
		page = p
	}
	all := h.store.List()
	if len(all) == 0 {
		return "暂无绑定记录", nil
	}
	items, pages := store.Page(all, page, h.opts.PageSize)
	if len(items) == 0 {
		return fmt.Sprintf("页码超出范围，共 %d 页", pages), nil
	}
	return formatBindings(items) + fmt.Sprintf("\n第 %d/%d 页，共 %d 条", page, pages, len(all)), nil
}

func (h *Handler) search(_ context.Context, _ model.Event, args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage
	}
	found := h.store.Search(strings.Join(args, " "))
	if len(found) == 0 {
		return "没有匹配的绑定", nil
	}
	items, _ := store.Page(found, 1, h.opts.PageSize)
	out := formatBindings(items)
	if len(found) > len(items) {
		out += fmt.Sprintf("\n共 %d 条，仅显示前 %d 条", len(found), len(items))
	}
	return out, nil
}

// query 在 !search 基础上再按 QQ 昵称匹配
func (h *Handler) query(ctx context.Context, _ model.Event, args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage
	}
	term := strings.Join(args, " ")
	found := h.store.Search(term)
	seen := make(map[int64]bool, len(found))
	for _, b := range found {
		seen[b.ChatID] = true
	}
	all := h.store.List()
	nicks := h.nicknames(ctx, all)
	lt := strings.ToLower(strings.TrimSpace(term))
	for _, b := range all {
		if n := nicks[b.ChatID]; !seen[b.ChatID] && n != "" && strings.Contains(strings.ToLower(n), lt) {
			found = append(found, b)
			seen[b.ChatID] = true
		}
	}
	if len(found) == 0 {
		return "没有匹配的绑定", nil
	}
	items, _ := store.Page(found, 1, h.opts.PageSize)
	lines := make([]string, 0, len(items)+1)
	for _, b := range items {
		line := formatBinding(b)
		if n := nicks[b.ChatID]; n != "" {
			line += " 昵称：" + n
		}
		lines = append(lines, line)
	}
	if len(found) > len(items) {
		lines = append(lines, fmt.Sprintf("共 %d 条，仅显示前 %d 条", len(found), len(items)))
	}
	return strings.Join(lines, "\n"), nil
}

// nicknames 并发取昵称，失败的留空
func (h *Handler) nicknames(ctx context.Context, list []model.Binding) map[int64]string {
	out := make(map[int64]string, len(list))
	if h.nicks == nil || len(list) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, nickTimeout)
	defer cancel()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, b := range list {
		chatID := b.ChatID
		g.Go(func() error {
			n, err := h.nicks.Nickname(gctx, chatID)
			if err != nil {
				logger.Debug("nickname lookup failed", zap.Int64("chat", chatID), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[chatID] = n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// find 搜索 VRChat 用户，usr_ 开头时按 ID 查
func (h *Handler) find(ctx context.Context, _ model.Event, args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage
	}
	if h.world == nil {
		return "", errNoWorld
	}
	term := strings.Join(args, " ")
	var list []model.Identity
	if model.IsWorldID(term) {
		id, err := h.world.GetIdentity(ctx, term)
		if err != nil {
			return "", err
		}
		list = []model.Identity{id}
	} else {
		var err error
		if list, err = h.world.SearchIdentity(ctx, term); err != nil {
			return "", err
		}
	}
	if len(list) == 0 {
		return "VRChat 上没有匹配的用户", nil
	}
	lines := make([]string, 0, maxFound+1)
	for i, id := range list {
		if i == maxFound {
			lines = append(lines, fmt.Sprintf("共 %d 个结果，仅显示前 %d 个", len(list), maxFound))
			break
		}
		line := fmt.Sprintf("%s（%s）", id.DisplayName, model.NormalizeWorldID(id.ID))
		if b, ok := h.store.LookupByWorld(id.ID); ok {
			line += fmt.Sprintf(" 已绑定 QQ %d", b.ChatID)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (h *Handler) me(ctx context.Context, ev model.Event, _ []string) (string, error) {
	b, ok := h.store.LookupByChat(ev.ChatID)
	if !ok {
		return "你还没有绑定 VRChat 账号", nil
	}
	out := formatBinding(b)
	if h.world == nil {
		return out, nil
	}
	id, err := h.world.GetIdentity(ctx, b.WorldID)
	if err != nil {
		logger.Info("identity lookup for !me failed", zap.Int64("chat", ev.ChatID), zap.Error(err))
		return out + "\nVRChat 信息暂时无法获取", nil
	}
	out += "\n当前显示名：" + id.DisplayName
	if bio := strings.TrimSpace(id.Bio); bio != "" {
		out += "\n简介：" + clip(bio, 120)
	}
	return out, nil
}

// instances 列出本群 vrc_group_id 的实例
func (h *Handler) instances(ctx context.Context, ev model.Event, _ []string) (string, error) {
	if ev.GroupID == 0 {
		return "请在群内使用 !instances", nil
	}
	if h.world == nil {
		return "", errNoWorld
	}
	gid := h.policies.Get(ev.GroupID).VRCGroupID
	if gid == "" {
		return "本群未设置 vrc_group_id", nil
	}
	list, err := h.world.GroupInstances(ctx, gid)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "当前没有群组实例", nil
	}
	items := list
	if len(items) > h.opts.PageSize {
		items = items[:h.opts.PageSize]
	}
	lines := make([]string, 0, len(items)+1)
	lines = append(lines, fmt.Sprintf("%s 共 %d 个实例：", gid, len(list)))
	for _, inst := range items {
		name := inst.WorldName
		if name == "" {
			name = inst.Location
		}
		lines = append(lines, fmt.Sprintf("%s  %d 人  %s", name, inst.Users, inst.ID))
	}
	return strings.Join(lines, "\n"), nil
}

func (h *Handler) set(ctx context.Context, ev model.Event, args []string) (string, error) {
	if ev.GroupID == 0 {
		return "请在群内使用 !set", nil
	}
	if len(args) == 0 {
		return "本群当前策略：\n" + strings.Join(policy.Describe(h.policies.Get(ev.GroupID)), "\n"), nil
	}
	if len(args) < 2 {
		return "", errUsage
	}
	key, value := args[0], strings.Join(args[1:], " ")
	if _, err := h.policies.Set(ctx, ev.GroupID, key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("已设置 %s = %s", strings.ToLower(key), value), nil
}

func (h *Handler) code(ctx context.Context, ev model.Event, _ []string) (string, error) {
	return h.mgr.IssueCode(ctx, ev.GroupID, ev.ChatID)
}

func (h *Handler) verify(ctx context.Context, ev model.Event, args []string) (string, error) {
	worldID := ""
	if len(args) > 0 {
		worldID = args[0]
	}
	return h.mgr.VerifyCode(ctx, ev.GroupID, ev.ChatID, worldID)
}

func (h *Handler) help(_ context.Context, ev model.Event, _ []string) (string, error) {
	admin := h.isAdmin(ev)
	names := make([]string, 0, len(h.commands))
	for n := range h.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString("VBridge 命令：")
	for _, n := range names {
		c := h.commands[n]
		if c.admin && !admin {
			continue
		}
		sb.WriteString("\n" + c.usage + "  " + c.desc)
	}
	return sb.String(), nil
}

func formatBinding(b model.Binding) string {
	return fmt.Sprintf("QQ %d → %s（%s）%s", b.ChatID, b.WorldName, b.WorldID, b.BoundAt.Format("2006-01-02"))
}

func formatBindings(list []model.Binding) string {
	lines := make([]string, 0, len(list))
	for _, b := range list {
		lines = append(lines, formatBinding(b))
	}
	return strings.Join(lines, "\n")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
