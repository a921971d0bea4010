package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"VBridge/tools/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYamlAndEnv(t *testing.T) {
	path := writeConfig(t, `
node_id: 3
super_admins: [10001]
chat:
  driver: onebot
  onebot:
    url: ws://bot:3001
    call_timeout: 15s
vrchat:
  username: bot
store:
  backend: snapshot
  snapshot:
    path: /tmp/b.json
    keep: 5
policy:
  defaults:
    verification_mode: mixed
  groups:
    12345:
      verification_mode: strict
verify:
  code_ttl: 2m
dispatcher:
  queue_size: 64
http:
  addr: ":8080"
  jwt_secret: "0123456789abcdef0123"
`)
	t.Setenv("VBRIDGE_VRC_PASSWORD", "from-env")
	t.Setenv("VBRIDGE_SUPER_ADMINS", "1,2")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.OneBot.URL != "ws://bot:3001" || cfg.Chat.OneBot.CallTimeout != 15*time.Second {
		t.Fatalf("onebot = %+v", cfg.Chat.OneBot)
	}
	if cfg.VRChat.Username != "bot" || cfg.VRChat.Password != "from-env" {
		t.Fatalf("vrchat = %+v", cfg.VRChat)
	}
	if len(cfg.SuperAdmins) != 2 || cfg.Verify.SuperAdmins[1] != 2 {
		t.Fatalf("super admins = %v / %v", cfg.SuperAdmins, cfg.Verify.SuperAdmins)
	}
	if cfg.Policy.Groups[12345]["verification_mode"] != "strict" {
		t.Fatalf("groups = %v", cfg.Policy.Groups)
	}
	if cfg.Verify.CodeTTL != 2*time.Minute || cfg.Dispatcher.QueueSize != 64 || cfg.Store.Snapshot.Keep != 5 {
		t.Fatalf("options = %+v %+v %+v", cfg.Verify, cfg.Dispatcher, cfg.Store.Snapshot)
	}
	if cfg.Nacos.Port != 8848 {
		t.Fatalf("defaults lost: %+v", cfg.Nacos)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != StoreSnapshot || cfg.Chat.Driver != ChatOneBot {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":  "chat:\n  driver: discord\n",
		"backend": "store:\n  backend: sqlite\n",
		"mongo":   "store:\n  backend: mongo\n",
		"secret":  "http:\n  addr: \":80\"\n  jwt_secret: short\n",
		"persist": "policy:\n  persist: true\n",
		"nats":    "chat:\n  driver: nats\n",
		"node":    "node_id: 5000\n",
		"badyaml": "chat: [\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		if !errs.ErrInvalidOption.Is(err) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("missing file err = %v", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../config.example.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.Driver != ChatOneBot || cfg.Store.Backend != StoreSnapshot {
		t.Fatalf("driver/backend = %s/%s", cfg.Chat.Driver, cfg.Store.Backend)
	}
	if got := cfg.Policy.Groups[123456789]["verification_mode"]; got != "mixed" {
		t.Fatalf("group override = %q", got)
	}
	if cfg.Store.Snapshot.Retention != 168*time.Hour {
		t.Fatalf("retention = %v", cfg.Store.Snapshot.Retention)
	}
}
