// Package config loads the daemon configuration from layered YAML files and
// the environment, and reloads it when the files change.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
)

const (
	DirEnv           = "PLUGIND_CONFIG_DIR"
	DefaultEnvPrefix = "PLUGIND"
)

// Options locate the configuration files. For Name "config" and Mode test
// the files config.yaml, config.local.yaml, config.test.yaml and
// config.test.local.yaml are merged in that order when present.
type Options struct {
	Dir       string
	Name      string
	Type      string
	EnvPrefix string
	Mode      Mode
}

// DefaultOptions reads the directory from PLUGIND_CONFIG_DIR and the mode
// from PLUGIND_MODE.
func DefaultOptions() Options {
	dir := os.Getenv(DirEnv)
	if dir == "" {
		dir = "config"
	}
	return Options{
		Dir:       dir,
		Name:      "config",
		Type:      "yaml",
		EnvPrefix: DefaultEnvPrefix,
		Mode:      ModeFromEnv(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Dir == "" {
		o.Dir = d.Dir
	}
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.Type == "" {
		o.Type = d.Type
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.EnvPrefix == "" {
		o.EnvPrefix = d.EnvPrefix
	}
	return o
}

// candidates lists every file name that may take part, in merge order.
func (o Options) candidates() []string {
	names := []string{o.Name, o.Name + ".local"}
	for _, s := range o.Mode.suffixes() {
		names = append(names, o.Name+"."+s, o.Name+"."+s+".local")
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Join(o.Dir, n+"."+o.Type))
	}
	return out
}

func (o Options) existing() []string {
	var files []string
	for _, path := range o.candidates() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}
	}
	return files
}

// Load reads the configuration once.
func Load(opts Options) (Orchestrator, error) {
	cfg, _, err := load(opts.withDefaults())
	return cfg, err
}

func load(opts Options) (Orchestrator, []string, error) {
	cfg := Orchestrator{Log: logging.DefaultConfig()}
	if err := defaults.Set(&cfg); err != nil {
		return Orchestrator{}, nil, fmt.Errorf("set config defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType(opts.Type)
	files := opts.existing()
	for i, path := range files {
		v.SetConfigFile(path)
		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}
		if err := read(); err != nil {
			return Orchestrator{}, nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v, reflect.TypeOf(cfg), ""); err != nil {
		return Orchestrator{}, nil, err
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Orchestrator{}, nil, fmt.Errorf("unmarshal config (dir %s): %w", opts.Dir, err)
	}
	if err := cfg.Validate(); err != nil {
		return Orchestrator{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, files, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// bindEnv registers every leaf key of t so environment variables apply even
// to keys no file mentions.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			continue
		}
		key := prefix
		if opts != "squash" {
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			key = joinKey(prefix, name)
		}
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			if err := bindEnv(v, f.Type, key); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Loader holds the current configuration and reloads it on file changes.
type Loader struct {
	opts   Options
	logger logging.Logger

	mu      sync.RWMutex
	current Orchestrator
	files   []string
}

// NewLoader loads the configuration and returns a Loader holding it.
func NewLoader(opts Options, logger logging.Logger) (*Loader, error) {
	opts = opts.withDefaults()
	cfg, files, err := load(opts)
	if err != nil {
		return nil, err
	}
	return &Loader{
		opts:    opts,
		logger:  logging.OrNop(logger).Named("config"),
		current: cfg,
		files:   files,
	}, nil
}

// Current returns the last valid configuration.
func (l *Loader) Current() Orchestrator {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Files returns the files merged into the current configuration.
func (l *Loader) Files() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.files...)
}

// Reload reads the files again. An invalid result is returned as an error
// and the current configuration is kept.
func (l *Loader) Reload() (Orchestrator, error) {
	cfg, files, err := load(l.opts)
	if err != nil {
		return l.Current(), err
	}
	l.mu.Lock()
	l.current = cfg
	l.files = files
	l.mu.Unlock()
	return cfg, nil
}

// Watch reloads whenever a candidate file in the config directory is
// written, created, renamed or removed, and calls onChange with each valid
// result. It returns once the watch is set up; watching stops when ctx is
// done.
func (l *Loader) Watch(ctx context.Context, onChange func(Orchestrator)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(l.opts.Dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir %s: %w", l.opts.Dir, err)
	}

	watched := make(map[string]bool)
	for _, path := range l.opts.candidates() {
		watched[filepath.Clean(path)] = true
	}

	go func() {
		defer w.Close()
		defer apperrors.Recover(func(err *apperrors.AppError) {
			l.logger.Error("config watcher panicked", zap.Error(err))
		})
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
					continue
				}
				cfg, err := l.Reload()
				if err != nil {
					l.logger.Warn("config reload rejected", zap.String("file", ev.Name), zap.Error(err))
					continue
				}
				l.logger.Info("config reloaded", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
