package policy

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"github.com/redis/go-redis/v9"
)

type memStore struct {
	mu   sync.Mutex
	data map[int64]map[string]string
	fail bool
}

func (m *memStore) LoadAll(context.Context) (map[int64]map[string]string, error) {
	return m.data, nil
}

func (m *memStore) Save(_ context.Context, g int64, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	if m.data == nil {
		m.data = map[int64]map[string]string{}
	}
	if m.data[g] == nil {
		m.data[g] = map[string]string{}
	}
	m.data[g][k] = v
	return nil
}

func TestDefaultsForUnknownGroup(t *testing.T) {
	r := NewRegistry(nil)
	p := r.Get(123)
	if p.VerificationMode != model.ModeDisabled || p.AutoRejectOnJoin || p.CheckTroll || p.Timeout().Seconds() != 300 {
		t.Fatalf("defaults = %+v", p)
	}
}

func TestSetValidatesAndPersists(t *testing.T) {
	st := &memStore{}
	r := NewRegistry(st)
	ctx := context.Background()

	p, err := r.Set(ctx, 1, "verification_mode", "Strict")
	if err != nil || p.VerificationMode != model.ModeStrict {
		t.Fatalf("set mode: %+v %v", p, err)
	}
	if _, err := r.Set(ctx, 1, "auto_reject_on_join", "开启"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !r.Get(1).AutoRejectOnJoin || r.Get(1).VerificationMode != model.ModeStrict {
		t.Fatalf("policy = %+v", r.Get(1))
	}
	if r.Get(2).VerificationMode != model.ModeDisabled {
		t.Fatalf("other group affected")
	}
	if st.data[1]["verification_mode"] != "strict" {
		t.Fatalf("stored = %v", st.data)
	}

	bad := []struct{ key, value string }{
		{"no_such_key", "1"},
		{"verification_mode", "lenient"},
		{"timeout_seconds", "five"},
		{"timeout_seconds", "5"},
		{"check_troll", "maybe"},
		{"failure_policy", "shout"},
		{"vrc_group_id", "usr_123"},
	}
	for _, c := range bad {
		if _, err := r.Set(ctx, 1, c.key, c.value); !errors.Is(err, errs.ErrInvalidOption) {
			t.Fatalf("%s=%s: %v", c.key, c.value, err)
		}
	}
	if r.Get(1).TimeoutSeconds != 300 {
		t.Fatalf("rejected value leaked: %+v", r.Get(1))
	}
}

func TestSetStoreFailureNotApplied(t *testing.T) {
	r := NewRegistry(&memStore{fail: true})
	if _, err := r.Set(context.Background(), 1, "check_troll", "on"); err == nil {
		t.Fatalf("expected store error")
	}
	if r.Get(1).CheckTroll {
		t.Fatalf("change applied despite store failure")
	}
}

func TestApplyDefaultsRecomputesGroups(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	if _, err := r.Set(ctx, 9, "check_troll", "true"); err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyDefaults(map[string]string{"verification_mode": "mixed", "timeout_seconds": "600"}); err != nil {
		t.Fatal(err)
	}
	if p := r.Get(9); p.VerificationMode != model.ModeMixed || !p.CheckTroll || p.TimeoutSeconds != 600 {
		t.Fatalf("group 9 = %+v", p)
	}
	if p := r.Get(10); p.VerificationMode != model.ModeMixed || p.CheckTroll {
		t.Fatalf("group 10 = %+v", p)
	}
	if err := r.ApplyDefaults(map[string]string{"bogus": "1"}); !errors.Is(err, errs.ErrInvalidOption) {
		t.Fatalf("bogus defaults: %v", err)
	}
}

func TestLoadFromStore(t *testing.T) {
	st := &memStore{data: map[int64]map[string]string{5: {"verification_mode": "mixed", "join_keyword": "VRC"}}}
	r := NewRegistry(st)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p := r.Get(5); p.VerificationMode != model.ModeMixed || p.JoinKeyword != "VRC" {
		t.Fatalf("loaded = %+v", p)
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(g int64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = r.Set(ctx, g, "timeout_seconds", "120")
				_ = r.Get(g)
			}
		}(int64(i))
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		if r.Get(int64(i)).TimeoutSeconds != 120 {
			t.Fatalf("group %d lost write", i)
		}
	}
}

func TestDescribe(t *testing.T) {
	lines := Describe(Defaults())
	joined := strings.Join(lines, "\n")
	if len(lines) != len(Keys()) || !strings.Contains(joined, "verification_mode=disabled") {
		t.Fatalf("describe = %v", lines)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("VBRIDGE_TEST_REDIS")
	if addr == "" {
		t.Skip("VBRIDGE_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	st := NewRedisStore(rdb, "vbridge:test:policy:")
	defer rdb.Del(ctx, "vbridge:test:policy:42")

	if err := st.Save(ctx, 42, "check_troll", "true"); err != nil {
		t.Fatal(err)
	}
	all, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all[42]["check_troll"] != "true" {
		t.Fatalf("loaded = %v", all)
	}
}
