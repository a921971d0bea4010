package redis

import (
	"context"
	"os"
	"testing"
)

func TestKey(t *testing.T) {
	m := &RedisManager{prefix: "vb:"}
	if got := m.Key("policy", "grp"); got != "vb:policy:grp" {
		t.Fatalf("key = %q", got)
	}
	if got := m.Key(); got != "vb:" {
		t.Fatalf("empty key = %q", got)
	}
}

func TestCloseNil(t *testing.T) {
	var m *RedisManager
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

// 需要真实 redis：VBRIDGE_TEST_REDIS=127.0.0.1:6379
func TestNewLive(t *testing.T) {
	addr := os.Getenv("VBRIDGE_TEST_REDIS")
	if addr == "" {
		t.Skip("VBRIDGE_TEST_REDIS not set")
	}
	m, err := New(context.Background(), Config{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.Client().Set(context.Background(), m.Key("ping"), "1", 0).Err(); err != nil {
		t.Fatal(err)
	}
}
