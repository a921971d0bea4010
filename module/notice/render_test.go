package notice

import (
	"strings"
	"testing"
	"time"
)

func TestRenderDefaults(t *testing.T) {
	r, err := NewRenderer(nil)
	if err != nil {
		t.Fatal(err)
	}
	got := r.Render(KeyJoinPrompt, Data{ChatID: 10001, Timeout: 5 * time.Minute})
	if !strings.Contains(got, "10001") || !strings.Contains(got, "5分钟") {
		t.Fatalf("join prompt = %q", got)
	}
	if got := r.Render(KeyRejectJoin, Data{}); got != "请添加拒绝处理账号为好友完成相应的VRC状态验证绑定流程！" {
		t.Fatalf("reject reason = %q", got)
	}
	if got := r.Render("nope", Data{}); got != "nope" {
		t.Fatalf("unknown key = %q", got)
	}
}

func TestOverrides(t *testing.T) {
	r, err := NewRenderer(map[string]string{KeyWelcome: "hi {{.WorldName}}"})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Render(KeyWelcome, Data{WorldName: "Alice"}); got != "hi Alice" {
		t.Fatalf("welcome = %q", got)
	}
	if _, err := NewRenderer(map[string]string{KeyBound: "{{.Broken"}); err == nil {
		t.Fatalf("bad template accepted")
	}
	if got := r.RenderText("{{.ChatID}} 你好", Data{ChatID: 3}); got != "3 你好" {
		t.Fatalf("inline = %q", got)
	}
}

func TestHumanDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45秒"},
		{5 * time.Minute, "5分钟"},
		{90 * time.Second, "1分30秒"},
		{2*time.Hour + 5*time.Minute, "2小时5分钟"},
		{0, "0秒"},
	}
	for _, c := range cases {
		if got := humanDuration(c.d); got != c.want {
			t.Fatalf("%v -> %q, want %q", c.d, got, c.want)
		}
	}
}
