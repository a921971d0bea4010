package command

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/module/policy"
	"VBridge/tools/errs"
)

const (
	widA = "usr_aaaaaaaa-0000-4000-8000-000000000001"
	widB = "usr_bbbbbbbb-0000-4000-8000-000000000002"
)

// fakeManager 直接落到 store，足够覆盖命令层
type fakeManager struct {
	st     *store.Store
	codeOK bool
}

func (f *fakeManager) AdminBind(ctx context.Context, g, c int64, target string, op int64) (model.Binding, error) {
	if !model.IsWorldID(target) {
		return model.Binding{}, errs.ErrNotFound.WrapMsg("no such user", "name", target)
	}
	b, _, err := f.st.Bind(ctx, model.Binding{ChatID: c, WorldID: target, WorldName: "n-" + target[4:8], Operator: strconv.FormatInt(op, 10), Source: model.SourceManual})
	return b, err
}

func (f *fakeManager) AdminUnbind(ctx context.Context, c, op int64) (model.Binding, error) {
	return f.st.Unbind(ctx, c, strconv.FormatInt(op, 10))
}

func (f *fakeManager) IssueCode(ctx context.Context, g, c int64) (string, error) {
	if !f.codeOK {
		return "", errs.ErrNotFound.WrapMsg("no open verification session")
	}
	return "code 123456", nil
}

func (f *fakeManager) VerifyCode(ctx context.Context, g, c int64, worldID string) (string, error) {
	return "verify " + worldID, nil
}

func (f *fakeManager) IsSuperAdmin(c int64) bool { return c == 9 }

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st := store.New(nil)
	h := NewHandler(&fakeManager{st: st}, st, policy.NewRegistry(nil), Options{Cooldown: -1, PageSize: 2})
	return h, st
}

func msg(chat int64, role model.Role, text string) model.Event {
	return model.Event{Kind: model.EventMessage, GroupID: 1, ChatID: chat, Role: role, Text: text}
}

func TestIsCommand(t *testing.T) {
	for in, want := range map[string]bool{"!help": true, " ！list": true, "hello": false, "": false} {
		if IsCommand(in) != want {
			t.Fatalf("IsCommand(%q)", in)
		}
	}
}

func TestConflictingBindLeavesTableUnchanged(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()
	if reply, _ := h.Handle(ctx, msg(9, model.RoleMember, "!bind 100 "+widA)); !strings.Contains(reply, "已绑定") {
		t.Fatalf("first bind reply = %q", reply)
	}
	reply, err := h.Handle(ctx, msg(9, model.RoleMember, "!bind 200 "+widA))
	if err != nil || !strings.Contains(reply, "Conflict") {
		t.Fatalf("conflict reply = %q %v", reply, err)
	}
	if st.Count() != 1 {
		t.Fatalf("count = %d", st.Count())
	}
	if b, _ := st.LookupByWorld(widA); b.ChatID != 100 {
		t.Fatalf("binding changed: %+v", b)
	}
}

func TestAdminOnly(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	reply, _ := h.Handle(ctx, msg(50, model.RoleMember, "!unbind 100"))
	if !strings.Contains(reply, "权限不足") {
		t.Fatalf("member ran admin command: %q", reply)
	}
	reply, _ = h.Handle(ctx, msg(50, model.RoleAdmin, "!unbind 100"))
	if !strings.Contains(reply, "NotFound") {
		t.Fatalf("group admin unbind missing = %q", reply)
	}
	// 私聊里群角色不算数
	priv := model.Event{Kind: model.EventMessage, ChatID: 50, Role: model.RoleAdmin, Text: "!list"}
	if reply, _ := h.Handle(ctx, priv); !strings.Contains(reply, "权限不足") {
		t.Fatalf("private role accepted: %q", reply)
	}
}

func TestListSearchPaging(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{widA, widB, "usr_cccccccc-0000-4000-8000-000000000003"}
	for i, id := range ids {
		if _, _, err := st.Bind(ctx, model.Binding{ChatID: int64(100 + i), WorldID: id, WorldName: "player" + strconv.Itoa(i), BoundAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	reply, _ := h.Handle(ctx, msg(9, "", "!list 2"))
	if !strings.Contains(reply, "QQ 102") || !strings.Contains(reply, "第 2/2 页，共 3 条") {
		t.Fatalf("page 2 = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(9, "", "!list 5")); !strings.Contains(reply, "超出范围") {
		t.Fatalf("out of range = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(9, "", "!search PLAYER1")); !strings.Contains(reply, "QQ 101") || strings.Contains(reply, "QQ 100") {
		t.Fatalf("search = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(9, "", "!list x")); !strings.Contains(reply, "格式错误") {
		t.Fatalf("bad page = %q", reply)
	}
}

func TestSetPolicy(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	reply, _ := h.Handle(ctx, msg(9, "", "!set verification_mode Strict"))
	if !strings.HasPrefix(reply, "已设置 verification_mode") {
		t.Fatalf("set reply = %q", reply)
	}
	if h.policies.Get(1).VerificationMode != model.ModeStrict {
		t.Fatalf("policy not applied")
	}
	reply, _ = h.Handle(ctx, msg(9, "", "!set colour blue"))
	if !strings.Contains(reply, "InvalidOption") {
		t.Fatalf("unknown key reply = %q", reply)
	}
	reply, _ = h.Handle(ctx, msg(9, "", "!set timeout_seconds abc"))
	if !strings.Contains(reply, "InvalidOption") {
		t.Fatalf("bad value reply = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(9, "", "!set")); !strings.Contains(reply, "verification_mode=strict") {
		t.Fatalf("describe = %q", reply)
	}
}

func TestCooldownAndUnknown(t *testing.T) {
	st := store.New(nil)
	h := NewHandler(&fakeManager{st: st, codeOK: true}, st, policy.NewRegistry(nil), Options{Cooldown: time.Minute})
	ctx := context.Background()
	if reply, _ := h.Handle(ctx, msg(50, "", "!code")); reply != "code 123456" {
		t.Fatalf("code = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(50, "", "！code")); reply != "" {
		t.Fatalf("cooldown ignored: %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(51, "", "!code")); reply == "" {
		t.Fatalf("cooldown leaked across users")
	}
	if reply, _ := h.Handle(ctx, msg(50, "", "!verify "+widA)); reply != "verify "+widA {
		t.Fatalf("verify = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(50, "", "!dance")); !strings.Contains(reply, "未知命令") {
		t.Fatalf("unknown = %q", reply)
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	h, _ := newTestHandler(t)
	reply, _ := h.Handle(context.Background(), msg(50, model.RoleMember, "!help"))
	if strings.Contains(reply, "!bind") || !strings.Contains(reply, "!code") {
		t.Fatalf("member help = %q", reply)
	}
	reply, _ = h.Handle(context.Background(), msg(9, model.RoleMember, "!help"))
	if !strings.Contains(reply, "!bind") {
		t.Fatalf("admin help = %q", reply)
	}
}

type fakeWorld struct {
	users     []model.Identity
	instances map[string][]model.Instance
}

func (w *fakeWorld) GetIdentity(_ context.Context, id string) (model.Identity, error) {
	for _, u := range w.users {
		if u.ID == model.NormalizeWorldID(id) {
			return u, nil
		}
	}
	return model.Identity{}, errs.ErrNotFound.WrapMsg("no such user", "world", id)
}

func (w *fakeWorld) SearchIdentity(_ context.Context, name string) ([]model.Identity, error) {
	var out []model.Identity
	for _, u := range w.users {
		if strings.Contains(strings.ToLower(u.DisplayName), strings.ToLower(name)) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (w *fakeWorld) GroupInstances(_ context.Context, g string) ([]model.Instance, error) {
	list, ok := w.instances[g]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("no such group", "group", g)
	}
	return list, nil
}

type fakeNicks map[int64]string

func (f fakeNicks) Nickname(_ context.Context, c int64) (string, error) {
	n, ok := f[c]
	if !ok {
		return "", errs.ErrApiFatal.WrapMsg("stranger info failed")
	}
	return n, nil
}

func newWorldHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st := store.New(nil)
	world := &fakeWorld{
		users: []model.Identity{
			{ID: widA, DisplayName: "Alice", Bio: "hello from alice"},
			{ID: widB, DisplayName: "Alina"},
		},
		instances: map[string][]model.Instance{
			"grp_1": {{ID: "1~group", WorldName: "Club", Users: 7}, {ID: "2~group", Location: "wrld_b:2~group", Users: 2}},
			"grp_2": nil,
		},
	}
	nicks := fakeNicks{100: "小明", 101: "阿花"}
	h := NewHandler(&fakeManager{st: st}, st, policy.NewRegistry(nil), Options{Cooldown: -1, PageSize: 2}, WithWorld(world), WithNicknames(nicks))
	return h, st
}

func TestMeShowsBindingAndLiveProfile(t *testing.T) {
	h, st := newWorldHandler(t)
	ctx := context.Background()
	if reply, _ := h.Handle(ctx, msg(100, model.RoleMember, "!me")); !strings.Contains(reply, "还没有绑定") {
		t.Fatalf("unbound me = %q", reply)
	}
	if _, _, err := st.Bind(ctx, model.Binding{ChatID: 100, WorldID: widA, WorldName: "OldName"}); err != nil {
		t.Fatal(err)
	}
	reply, _ := h.Handle(ctx, msg(100, model.RoleMember, "!me"))
	if !strings.Contains(reply, "QQ 100 → OldName") || !strings.Contains(reply, "当前显示名：Alice") || !strings.Contains(reply, "简介：hello from alice") {
		t.Fatalf("me = %q", reply)
	}
}

func TestQueryMatchesNickname(t *testing.T) {
	h, st := newWorldHandler(t)
	ctx := context.Background()
	for i, id := range []string{widA, widB, "usr_cccccccc-0000-4000-8000-000000000003"} {
		if _, _, err := st.Bind(ctx, model.Binding{ChatID: int64(100 + i), WorldID: id, WorldName: "player" + strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}
	reply, _ := h.Handle(ctx, msg(9, "", "!query 阿花"))
	if !strings.Contains(reply, "QQ 101") || strings.Contains(reply, "QQ 100") || !strings.Contains(reply, "昵称：阿花") {
		t.Fatalf("nickname query = %q", reply)
	}
	// 昵称取不到的成员仍可按 VRChat 名字查到
	reply, _ = h.Handle(ctx, msg(9, "", "!query player2"))
	if !strings.Contains(reply, "QQ 102") || strings.Contains(reply, "昵称") {
		t.Fatalf("name query = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(50, model.RoleMember, "!query 阿花")); !strings.Contains(reply, "权限不足") {
		t.Fatalf("member ran query: %q", reply)
	}
}

func TestFindSearchesVRChat(t *testing.T) {
	h, st := newWorldHandler(t)
	ctx := context.Background()
	if _, _, err := st.Bind(ctx, model.Binding{ChatID: 100, WorldID: widA, WorldName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	reply, _ := h.Handle(ctx, msg(9, "", "!find ali"))
	if !strings.Contains(reply, "Alice（"+widA+"） 已绑定 QQ 100") || !strings.Contains(reply, "Alina（"+widB+"）") {
		t.Fatalf("find by name = %q", reply)
	}
	reply, _ = h.Handle(ctx, msg(9, "", "!find "+strings.ToUpper(widB[:3])+widB[3:]))
	if !strings.Contains(reply, "Alina") || strings.Contains(reply, "Alice") {
		t.Fatalf("find by id = %q", reply)
	}
	if reply, _ := h.Handle(ctx, msg(9, "", "!find usr_00000000-0000-4000-8000-000000000009")); !strings.Contains(reply, "NotFound") {
		t.Fatalf("missing id = %q", reply)
	}
}

func TestInstancesNeedGroupSetting(t *testing.T) {
	h, _ := newWorldHandler(t)
	ctx := context.Background()
	if reply, _ := h.Handle(ctx, msg(50, model.RoleMember, "!instances")); !strings.Contains(reply, "未设置 vrc_group_id") {
		t.Fatalf("unset group = %q", reply)
	}
	if _, err := h.policies.Set(ctx, 1, "vrc_group_id", "grp_1"); err != nil {
		t.Fatal(err)
	}
	reply, _ := h.Handle(ctx, msg(50, model.RoleMember, "!instances"))
	if !strings.Contains(reply, "共 2 个实例") || !strings.Contains(reply, "Club  7 人") || !strings.Contains(reply, "wrld_b:2~group  2 人") {
		t.Fatalf("instances = %q", reply)
	}
	if _, err := h.policies.Set(ctx, 1, "vrc_group_id", "grp_2"); err != nil {
		t.Fatal(err)
	}
	if reply, _ := h.Handle(ctx, msg(50, model.RoleMember, "!instances")); reply != "当前没有群组实例" {
		t.Fatalf("empty = %q", reply)
	}
}

func TestWorldCommandsWithoutWorld(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()
	if reply, _ := h.Handle(ctx, msg(9, "", "!find alice")); reply != "未配置 VRChat 查询" {
		t.Fatalf("find = %q", reply)
	}
	if _, _, err := st.Bind(ctx, model.Binding{ChatID: 9, WorldID: widA, WorldName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	if reply, _ := h.Handle(ctx, msg(9, "", "!me")); !strings.HasPrefix(reply, "QQ 9 → Alice") || strings.Contains(reply, "\n") {
		t.Fatalf("me = %q", reply)
	}
}
