// Package loader finds and parses plugin manifests on disk.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

// DefaultNames are the manifest file names Dir looks for.
var DefaultNames = []string{"plugin.yaml", "plugin.yml"}

// DefaultMaxDepth bounds how far below a root directory manifests are searched.
const DefaultMaxDepth = 3

// Dir scans directory trees for manifest files. Unknown keys are rejected
// and a relative entry point is resolved against the manifest's directory.
type Dir struct {
	Names    []string
	MaxDepth int
	Logger   logging.Logger
}

// NewDir returns a Dir with the default names and depth.
func NewDir(logger logging.Logger) *Dir {
	return &Dir{
		Names:    DefaultNames,
		MaxDepth: DefaultMaxDepth,
		Logger:   logger,
	}
}

// Scan walks every root and returns one result per manifest file found,
// in lexical order. A root that cannot be read is reported as a result
// carrying the error. Scan stops early when ctx is done.
func (d *Dir) Scan(ctx context.Context, dirs []string) []plugin.ScanResult {
	logger := logging.OrNop(d.Logger).Named("loader")
	names := d.Names
	if len(names) == 0 {
		names = DefaultNames
	}
	maxDepth := d.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var results []plugin.ScanResult
	for _, root := range dirs {
		if ctx.Err() != nil {
			break
		}
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				logger.Warn("skipping unreadable path", zap.String("path", path), zap.Error(err))
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if entry.IsDir() {
				if path != root && depth(root, path) > maxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if !matches(entry.Name(), names) {
				return nil
			}
			m, perr := ParseFile(path)
			res := plugin.ScanResult{Path: path, Err: perr}
			if perr == nil {
				res.Manifest = &m
			}
			results = append(results, res)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			results = append(results, plugin.ScanResult{Path: root, Err: err})
		}
	}

	logger.Debug("scan finished", zap.Strings("dirs", dirs), zap.Int("manifests", len(results)))
	return results
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	n := 1
	for _, c := range rel {
		if c == filepath.Separator {
			n++
		}
	}
	return n
}

func matches(name string, names []string) bool {
	for _, n := range names {
		if name == n {
			return true
		}
	}
	return false
}

// ParseFile reads one manifest file.
func ParseFile(path string) (plugin.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return plugin.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return plugin.Manifest{}, err
	}
	if m.EntryPoint != "" && !filepath.IsAbs(m.EntryPoint) {
		m.EntryPoint = filepath.Join(filepath.Dir(path), m.EntryPoint)
	}
	return m, nil
}

// Parse decodes a single YAML manifest document.
func Parse(r io.Reader) (plugin.Manifest, error) {
	var m plugin.Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return plugin.Manifest{}, errors.New("unmarshal manifest: empty document")
		}
		return plugin.Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

var _ plugin.Loader = (*Dir)(nil)
