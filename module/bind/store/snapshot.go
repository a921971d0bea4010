package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"VBridge/logger"
	"VBridge/module/bind/model"
	"VBridge/tools/errs"
	"VBridge/tools/safe"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const snapshotSchema = 1

type snapshotFile struct {
	SchemaVersion int             `json:"schema_version"`
	Total         int             `json:"total"`
	Seq           uint64          `json:"seq"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Bindings      []model.Binding `json:"bindings"`
}

// SnapshotConfig JSON 快照持久化
type SnapshotConfig struct {
	Path      string        `yaml:"path"`       // 主快照文件
	BackupDir string        `yaml:"backup_dir"` // 为空则不做备份
	Keep      int           `yaml:"keep"`       // 最多保留的备份数
	Retention time.Duration `yaml:"retention"`  // 超过该时长的备份删除，0 不按时间清理
}

// SnapshotPersister 每次变更整体重写快照：写临时文件再 rename
type SnapshotPersister struct {
	cfg SnapshotConfig
	now func() time.Time

	rotateCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewSnapshotPersister(cfg SnapshotConfig) (*SnapshotPersister, error) {
	if cfg.Path == "" {
		return nil, errs.ErrInvalidOption.WrapMsg("snapshot path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errs.WrapMsg(err, "create snapshot dir")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 10
	}
	p := &SnapshotPersister{
		cfg:      cfg,
		now:      time.Now,
		rotateCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	if cfg.BackupDir != "" {
		if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
			return nil, errs.WrapMsg(err, "create backup dir")
		}
		p.wg.Add(1)
		safe.SafeGo("snapshot-rotate", p.rotateLoop)
	}
	return p, nil
}

func (p *SnapshotPersister) Load(_ context.Context) ([]model.Binding, error) {
	data, err := os.ReadFile(p.cfg.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "read snapshot", "path", p.cfg.Path)
	}
	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.WrapMsg(err, "decode snapshot", "path", p.cfg.Path)
	}
	if f.SchemaVersion > snapshotSchema {
		return nil, errs.ErrInvalidOption.WrapMsg("snapshot schema too new", "version", f.SchemaVersion)
	}
	return f.Bindings, nil
}

func (p *SnapshotPersister) Persist(_ context.Context, m Mutation, snapshot []model.Binding) error {
	if err := writeSnapshot(p.cfg.Path, snapshotFile{
		SchemaVersion: snapshotSchema,
		Total:         len(snapshot),
		Seq:           m.Seq,
		UpdatedAt:     m.At,
		Bindings:      snapshot,
	}); err != nil {
		return err
	}
	if p.cfg.BackupDir != "" {
		// 合并触发：已有待处理的轮转就不再排队
		select {
		case p.rotateCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *SnapshotPersister) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	return nil
}

func (p *SnapshotPersister) rotateLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.rotateCh:
			if err := p.Rotate(); err != nil {
				logger.Warn("snapshot backup rotate failed", zap.Error(err))
			}
		}
	}
}

// Rotate 复制当前快照到备份目录并按数量、时间清理
func (p *SnapshotPersister) Rotate() error {
	data, err := os.ReadFile(p.cfg.Path)
	if err != nil {
		return errs.WrapMsg(err, "read snapshot for backup")
	}
	now := p.now()
	name := fmt.Sprintf("bindings-%s.json", now.UTC().Format("20060102T150405.000000000"))
	if err := atomicWrite(filepath.Join(p.cfg.BackupDir, name), data); err != nil {
		return err
	}
	return p.prune(now)
}

func (p *SnapshotPersister) prune(now time.Time) error {
	entries, err := os.ReadDir(p.cfg.BackupDir)
	if err != nil {
		return errs.WrapMsg(err, "list backups")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "bindings-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// 文件名里的时间戳定长，字典序即时间序
	sort.Strings(names)

	var drop []string
	if len(names) > p.cfg.Keep {
		drop = append(drop, names[:len(names)-p.cfg.Keep]...)
		names = names[len(names)-p.cfg.Keep:]
	}
	if p.cfg.Retention > 0 {
		for _, n := range names {
			info, err := os.Stat(filepath.Join(p.cfg.BackupDir, n))
			if err == nil && now.Sub(info.ModTime()) > p.cfg.Retention {
				drop = append(drop, n)
			}
		}
	}
	for _, n := range drop {
		if err := os.Remove(filepath.Join(p.cfg.BackupDir, n)); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove backup failed", zap.String("file", n), zap.Error(err))
		}
	}
	return nil
}

// WriteErrorSnapshot 持久化失败时的兜底快照，返回文件路径
func WriteErrorSnapshot(dir string, snapshot []model.Binding, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.WrapMsg(err, "create error snapshot dir")
	}
	path := filepath.Join(dir, fmt.Sprintf("bindings.error-%s.json", now.UTC().Format("20060102T150405.000000000")))
	return path, writeSnapshot(path, snapshotFile{
		SchemaVersion: snapshotSchema,
		Total:         len(snapshot),
		UpdatedAt:     now,
		Bindings:      snapshot,
	})
}

func writeSnapshot(path string, f snapshotFile) error {
	if f.Bindings == nil {
		f.Bindings = []model.Binding{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errs.WrapMsg(err, "encode snapshot")
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.WrapMsg(err, "create temp file", "path", path)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errs.WrapMsg(err, "write temp file", "path", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errs.WrapMsg(err, "sync temp file", "path", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errs.WrapMsg(err, "close temp file", "path", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.WrapMsg(err, "rename snapshot", "path", path)
	}
	return nil
}
