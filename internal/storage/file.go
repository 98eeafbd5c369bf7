package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "vaultpulse/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.pulse.jsonl    (append-only JSON Lines audit trail)
//   - <prefix>.settings.json  (snapshot, rewritten atomically on change)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	pulsePath    string
	pulseFile    *os.File
	settingsPath string
	settings     map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	pulsePath := prefix + ".pulse.jsonl"
	pf, err := os.OpenFile(pulsePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	settingsPath := prefix + ".settings.json"
	settings := map[string]string{}
	if err := loadSettings(settingsPath, settings); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("settings snapshot unreadable; starting empty", logx.String("path", settingsPath), logx.Err(err))
	}

	return &fileStore{
		log:          log,
		pulsePath:    pulsePath,
		pulseFile:    pf,
		settingsPath: settingsPath,
		settings:     settings,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pulseFile == nil {
		return nil
	}
	err := s.pulseFile.Close()
	s.pulseFile = nil
	return err
}

func (s *fileStore) AppendPulseResult(ctx context.Context, r PulseRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pulseFile == nil {
		return errors.New("pulse audit file closed")
	}
	return json.NewEncoder(s.pulseFile).Encode(r)
}

func (s *fileStore) RecentPulseResults(ctx context.Context, eventID string, limit int) ([]PulseRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.pulsePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []PulseRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r PulseRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.EventID != eventID {
			continue
		}
		out = append(out, r)
		if len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) PutSetting(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return s.writeSettingsLocked()
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fileStore) DeleteSetting(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[key]; !ok {
		return nil
	}
	delete(s.settings, key)
	return s.writeSettingsLocked()
}

func (s *fileStore) writeSettingsLocked() error {
	tmp := s.settingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.settings); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath)
}

func loadSettings(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
