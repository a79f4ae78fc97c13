/*
Copyright 2025 The RangeForge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secrets resolves secret names to values. Configuration files
// and intent documents carry only secret names; the value is looked up
// here at use time and never logged or persisted.
package secrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Oracle resolves a secret name to its value.
type Oracle interface {
	Lookup(name string) (string, error)
}

// Static is a fixed map Oracle for tests and embedded defaults.
type Static map[string]string

func (s Static) Lookup(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", faults.New(faults.ConfigInvalid, "secret %q not found", name)
	}
	return v, nil
}

// EnvPrefix is the prefix Env puts before the mangled secret name.
const EnvPrefix = "RANGEFORGE_SECRET_"

// Env resolves secrets from the environment: secret "vc01-password"
// reads RANGEFORGE_SECRET_VC01_PASSWORD. An unset variable is a miss,
// so Env usually fronts a Dir in a Chain.
type Env struct{}

func (Env) Lookup(name string) (string, error) {
	if name == "" {
		return "", faults.New(faults.ConfigInvalid, "invalid secret name %q", name)
	}
	key := EnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", faults.New(faults.ConfigInvalid, "secret %q not found (%s unset)", name, key)
	}
	return v, nil
}

// Chain tries each oracle in order and returns the first hit. Misses
// fall through; any other error stops the chain.
type Chain []Oracle

func (c Chain) Lookup(name string) (string, error) {
	for _, o := range c {
		v, err := o.Lookup(name)
		if err == nil {
			return v, nil
		}
		if !faults.Is(err, faults.ConfigInvalid) {
			return "", err
		}
	}
	return "", faults.New(faults.ConfigInvalid, "secret %q not found", name)
}

// Dir serves secrets from files: the value of secret "vc01-password"
// is the contents of <dir>/vc01-password with trailing whitespace
// trimmed. Values are cached until Watch observes a change to the
// backing file.
type Dir struct {
	dir     string
	log     logr.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string]string
}

// NewDir returns a Dir oracle rooted at dir and a watcher on it.
func NewDir(log logr.Logger, dir string) (*Dir, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "secrets dir %s", dir)
	}
	if !info.IsDir() {
		return nil, faults.New(faults.ConfigInvalid, "secrets path %s is not a directory", dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating secrets watcher")
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watching secrets dir %s", dir)
	}
	return &Dir{
		dir:     dir,
		log:     log,
		watcher: watcher,
		cache:   map[string]string{},
	}, nil
}

// Lookup returns the secret's value, reading the backing file on a
// cache miss. Names must be bare file names.
func (d *Dir) Lookup(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", faults.New(faults.ConfigInvalid, "invalid secret name %q", name)
	}

	d.mu.RLock()
	v, ok := d.cache[name]
	d.mu.RUnlock()
	if ok {
		return v, nil
	}

	raw, err := os.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", faults.New(faults.ConfigInvalid, "secret %q not found in %s", name, d.dir)
		}
		return "", errors.Wrapf(err, "reading secret %q", name)
	}
	v = strings.TrimRight(string(raw), "\r\n")

	d.mu.Lock()
	d.cache[name] = v
	d.mu.Unlock()
	return v, nil
}

// Watch invalidates cached values when their backing files change, so
// rotated credentials take effect without a restart. It blocks until
// ctx is done.
func (d *Dir) Watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			d.mu.Lock()
			_, cached := d.cache[name]
			delete(d.cache, name)
			d.mu.Unlock()
			if cached {
				d.log.Info("secret invalidated after file change", "secret", name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Error(err, "secrets watcher error")
		}
	}
}

func (d *Dir) Close() error {
	return d.watcher.Close()
}
