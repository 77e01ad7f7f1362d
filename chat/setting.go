package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

const settingsFileName = "settings.json"

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// ClaudeSetting is one named CLI settings profile.
type ClaudeSetting struct {
	Name    string          `json:"name"`
	Setting json.RawMessage `json:"setting"`
}

// Settings is the persisted profile collection.
type Settings struct {
	ClaudeSettings []ClaudeSetting `json:"claude_settings"`
}

// Get returns the profile with the given name.
func (s *Settings) Get(name string) (*ClaudeSetting, bool) {
	for i := range s.ClaudeSettings {
		if s.ClaudeSettings[i].Name == name {
			return &s.ClaudeSettings[i], true
		}
	}
	return nil, false
}

func defaultSettings() *Settings {
	ccr, _ := json.Marshal(map[string]any{
		"env": map[string]any{
			"ANTHROPIC_AUTH_TOKEN": "your-secret-key",
			"ANTHROPIC_BASE_URL":   "http://127.0.0.1:3456",
		},
	})
	return &Settings{
		ClaudeSettings: []ClaudeSetting{{Name: "ccr", Setting: ccr}},
	}
}

// SettingsStore holds the profiles file and hot-reloads it on change.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current *Settings

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSettingsStore loads <dir>/settings.json, falling back to defaults when
// the file is absent or unparseable, and starts the reload watcher.
func NewSettingsStore(dir string) *SettingsStore {
	st := &SettingsStore{
		path: filepath.Join(dir, settingsFileName),
	}
	st.current = st.loadOrDefault()

	if err := st.startWatcher(dir); err != nil {
		log.Warn().Err(err).Msg("settings watcher unavailable, profiles will be static")
	}
	return st
}

func (st *SettingsStore) loadOrDefault() *Settings {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", st.path).Msg("failed to read settings file")
		}
		return defaultSettings()
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Error().Err(err).Str("path", st.path).Msg("failed to parse settings file, using defaults")
		return defaultSettings()
	}
	return &settings
}

// Current returns the live settings snapshot.
func (st *SettingsStore) Current() *Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Save persists new settings and makes them current immediately.
func (st *SettingsStore) Save(settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	if err := os.WriteFile(st.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	st.mu.Lock()
	st.current = settings
	st.mu.Unlock()
	return nil
}

func (st *SettingsStore) startWatcher(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	st.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	st.wg.Add(1)
	go st.watchLoop(ctx)
	return nil
}

// watchLoop reloads the settings file on modification, debounced.
func (st *SettingsStore) watchLoop(ctx context.Context) {
	defer st.wg.Done()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-st.watcher.Events:
			if !ok {
				return
			}
			if event.Name != st.path {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					settings := st.loadOrDefault()
					st.mu.Lock()
					st.current = settings
					st.mu.Unlock()
					log.Info().Str("path", st.path).Msg("settings reloaded")
				})
			case event.Op&fsnotify.Remove != 0:
				log.Warn().Str("path", st.path).Msg("settings file removed, using defaults")
				st.mu.Lock()
				st.current = defaultSettings()
				st.mu.Unlock()
			}

		case err, ok := <-st.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

// Close stops the reload watcher.
func (st *SettingsStore) Close() {
	if st.cancel != nil {
		st.cancel()
	}
	if st.watcher != nil {
		st.watcher.Close()
	}
	st.wg.Wait()
}

// withProfile temporarily installs the named profile as the CLI's settings
// file while fn runs. The previous file is backed up first and restored
// afterwards. Callers must not overlap; the manager loop serializes them.
func (st *SettingsStore) withProfile(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	profile, ok := st.Current().Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}

	configDir, err := claudeConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create CLI config dir: %w", err)
	}
	settingsPath := filepath.Join(configDir, settingsFileName)
	backupPath := settingsPath + ".bak-" + uuid.NewString()[:8]

	hadOriginal := false
	if _, err := os.Stat(settingsPath); err == nil {
		if err := os.Rename(settingsPath, backupPath); err != nil {
			return fmt.Errorf("failed to back up CLI settings: %w", err)
		}
		hadOriginal = true
	}

	restore := func() {
		if hadOriginal {
			if err := os.Rename(backupPath, settingsPath); err != nil {
				log.Error().Err(err).Str("backup", backupPath).Msg("failed to restore CLI settings")
			}
		} else {
			os.Remove(settingsPath)
		}
	}

	if err := os.WriteFile(settingsPath, profile.Setting, 0644); err != nil {
		restore()
		return fmt.Errorf("failed to install settings profile: %w", err)
	}

	err = fn()
	restore()
	return err
}
