package onvifctl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PresetStore persists named PTZ presets keyed by (device ID, name)
type PresetStore interface {
	List(ctx context.Context, deviceID string) ([]PTZPreset, error)
	Get(ctx context.Context, deviceID, name string) (PTZPreset, error)
	Put(ctx context.Context, preset PTZPreset) error
	Remove(ctx context.Context, deviceID, name string) error
}

// NewPresetStore builds the store selected by cfg.Backend
func NewPresetStore(cfg PresetsConfig, log zerolog.Logger) (PresetStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryPresetStore(), nil
	case "file":
		return NewFilePresetStore(cfg.Path, log), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		})
		return NewRedisPresetStore(client, cfg.RedisKey, log), nil
	}
	return nil, errors.NotValidf("preset backend %q", cfg.Backend)
}

// presetList is the whole persisted document, shared by every backend
type presetList []PTZPreset

func (l presetList) forDevice(deviceID string) []PTZPreset {
	out := []PTZPreset{}
	for _, p := range l {
		if p.DeviceID == deviceID {
			out = append(out, p)
		}
	}
	return out
}

func (l presetList) find(deviceID, name string) (PTZPreset, bool) {
	for _, p := range l {
		if p.DeviceID == deviceID && p.Name == name {
			return p, true
		}
	}
	return PTZPreset{}, false
}

// put overwrites any preset with the same (device ID, name)
func (l presetList) put(preset PTZPreset) presetList {
	for i, p := range l {
		if p.DeviceID == preset.DeviceID && p.Name == preset.Name {
			l[i] = preset
			return l
		}
	}
	return append(l, preset)
}

func (l presetList) remove(deviceID, name string) (presetList, bool) {
	for i, p := range l {
		if p.DeviceID == deviceID && p.Name == name {
			return append(l[:i:i], l[i+1:]...), true
		}
	}
	return l, false
}

func validatePreset(p PTZPreset) error {
	if p.DeviceID == "" || p.Name == "" {
		return errors.NotValidf("preset without device id or name")
	}
	return nil
}

// decodePresets parses a persisted list. Unparseable data is an empty list.
func decodePresets(data []byte, log zerolog.Logger) presetList {
	if len(data) == 0 {
		return presetList{}
	}
	var list presetList
	if err := json.Unmarshal(data, &list); err != nil {
		log.Warn().Err(err).Msg("discarding unparseable preset data")
		return presetList{}
	}
	return list
}

// MemoryPresetStore keeps presets in process memory
type MemoryPresetStore struct {
	mu   sync.RWMutex
	list presetList
}

// NewMemoryPresetStore creates an empty in-memory store
func NewMemoryPresetStore() *MemoryPresetStore {
	return &MemoryPresetStore{}
}

func (s *MemoryPresetStore) List(_ context.Context, deviceID string) ([]PTZPreset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.forDevice(deviceID), nil
}

func (s *MemoryPresetStore) Get(_ context.Context, deviceID, name string) (PTZPreset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.list.find(deviceID, name); ok {
		return p, nil
	}
	return PTZPreset{}, errors.NotFoundf("preset %q for device %s", name, deviceID)
}

func (s *MemoryPresetStore) Put(_ context.Context, preset PTZPreset) error {
	if err := validatePreset(preset); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = s.list.put(preset)
	return nil
}

func (s *MemoryPresetStore) Remove(_ context.Context, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.list.remove(deviceID, name)
	if !ok {
		return errors.NotFoundf("preset %q for device %s", name, deviceID)
	}
	s.list = list
	return nil
}

// FilePresetStore keeps presets as one JSON list in a file. The file is
// loaded on first use and rewritten wholesale on every change.
type FilePresetStore struct {
	path string
	log  zerolog.Logger

	mu     sync.Mutex
	loaded bool
	list   presetList
}

// NewFilePresetStore creates a store backed by path
func NewFilePresetStore(path string, log zerolog.Logger) *FilePresetStore {
	return &FilePresetStore{
		path: path,
		log:  log.With().Str("component", "presets").Str("path", path).Logger(),
	}
}

// load must be called with mu held
func (s *FilePresetStore) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "read presets %s", s.path)
	}
	s.list = decodePresets(data, s.log)
	s.loaded = true
	return nil
}

// save must be called with mu held
func (s *FilePresetStore) save(list presetList) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errors.Annotate(err, "encode presets")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Annotate(err, "create temp preset file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Annotate(err, "write presets")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "close presets")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "replace presets")
	}

	s.list = list
	return nil
}

func (s *FilePresetStore) List(_ context.Context, deviceID string) ([]PTZPreset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.list.forDevice(deviceID), nil
}

func (s *FilePresetStore) Get(_ context.Context, deviceID, name string) (PTZPreset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return PTZPreset{}, err
	}
	if p, ok := s.list.find(deviceID, name); ok {
		return p, nil
	}
	return PTZPreset{}, errors.NotFoundf("preset %q for device %s", name, deviceID)
}

func (s *FilePresetStore) Put(_ context.Context, preset PTZPreset) error {
	if err := validatePreset(preset); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	next := append(presetList(nil), s.list...).put(preset)
	return s.save(next)
}

func (s *FilePresetStore) Remove(_ context.Context, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	next, ok := append(presetList(nil), s.list...).remove(deviceID, name)
	if !ok {
		return errors.NotFoundf("preset %q for device %s", name, deviceID)
	}
	return s.save(next)
}

// RedisPresetStore keeps the whole preset list under one Redis key
type RedisPresetStore struct {
	client *redis.Client
	key    string
	log    zerolog.Logger

	mu sync.Mutex
}

// NewRedisPresetStore creates a store using client and key
func NewRedisPresetStore(client *redis.Client, key string, log zerolog.Logger) *RedisPresetStore {
	if key == "" {
		key = "onvifctl:ptz_presets"
	}
	return &RedisPresetStore{
		client: client,
		key:    key,
		log:    log.With().Str("component", "presets").Str("redis_key", key).Logger(),
	}
}

func (s *RedisPresetStore) load(ctx context.Context) (presetList, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return presetList{}, nil
		}
		return nil, errors.Annotate(err, "redis get presets")
	}
	return decodePresets(data, s.log), nil
}

func (s *RedisPresetStore) save(ctx context.Context, list presetList) error {
	data, err := json.Marshal(list)
	if err != nil {
		return errors.Annotate(err, "encode presets")
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return errors.Annotate(err, "redis set presets")
	}
	return nil
}

func (s *RedisPresetStore) List(ctx context.Context, deviceID string) ([]PTZPreset, error) {
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return list.forDevice(deviceID), nil
}

func (s *RedisPresetStore) Get(ctx context.Context, deviceID, name string) (PTZPreset, error) {
	list, err := s.load(ctx)
	if err != nil {
		return PTZPreset{}, err
	}
	if p, ok := list.find(deviceID, name); ok {
		return p, nil
	}
	return PTZPreset{}, errors.NotFoundf("preset %q for device %s", name, deviceID)
}

func (s *RedisPresetStore) Put(ctx context.Context, preset PTZPreset) error {
	if err := validatePreset(preset); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	return s.save(ctx, list.put(preset))
}

func (s *RedisPresetStore) Remove(ctx context.Context, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	list, ok := list.remove(deviceID, name)
	if !ok {
		return errors.NotFoundf("preset %q for device %s", name, deviceID)
	}
	return s.save(ctx, list)
}

// Close releases the Redis connection pool
func (s *RedisPresetStore) Close() error {
	return s.client.Close()
}
