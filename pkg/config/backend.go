package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// FileBackend stores the tree as a JSON document, or YAML when the path ends
// in .yaml/.yml.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (f *FileBackend) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(f.Path))
	return ext == ".yaml" || ext == ".yml"
}

func (f *FileBackend) Load(ctx context.Context) (Tree, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}

	var t Tree
	if f.isYAML() {
		err = yaml.Unmarshal(data, &t)
	} else {
		err = json.Unmarshal(data, &t)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return normalize(t), nil
}

func (f *FileBackend) Save(ctx context.Context, t Tree) error {
	var (
		data []byte
		err  error
	)
	if f.isYAML() {
		data, err = yaml.Marshal(t)
	} else {
		data, err = json.MarshalIndent(t, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// DefaultRedisKey is the key the tree is stored under in Redis.
const DefaultRedisKey = "courtroom_config_v1"

// RedisBackend stores the tree as JSON under a single Redis key.
type RedisBackend struct {
	client redis.Cmdable
	key    string
}

func NewRedisBackend(client redis.Cmdable, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (r *RedisBackend) Load(ctx context.Context) (Tree, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.key, err)
	}
	return normalize(t), nil
}

func (r *RedisBackend) Save(ctx context.Context, t Tree) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// MemoryBackend keeps the stored tree in process, standing in for host agent
// memory.
type MemoryBackend struct {
	mu    sync.Mutex
	tree  Tree
	saves int
}

func NewMemoryBackend(initial Tree) *MemoryBackend {
	return &MemoryBackend{tree: initial.Clone()}
}

func (m *MemoryBackend) Load(ctx context.Context) (Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Clone(), nil
}

func (m *MemoryBackend) Save(ctx context.Context, t Tree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = t.Clone()
	m.saves++
	return nil
}

// Saves returns how many times the tree was written.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
