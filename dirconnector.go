// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appvisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// IndexFile must be present at the top of every artifact.
const IndexFile = "index.html"

// releaseSettle is how long a new release must go without changes before
// it is announced.
const releaseSettle = 200 * time.Millisecond

// DirConnector watches a releases directory.  Each directory that appears
// in it is announced as a new build once it holds an index file and has
// stopped changing, so releases may be renamed into place or copied in.
type DirConnector struct {
	root    string
	watcher *fsnotify.Watcher
	builds  chan Build
	logger  *log.Logger
	current string
	pending map[string]*release
	done    chan struct{}
	once    sync.Once
	mx      sync.Mutex
}

// release is a directory still being written.
type release struct {
	timer *time.Timer
	dirs  []string // watched, the release itself first
}

// NewDirConnector starts watching root.  The newest (by name) complete
// release already present becomes the initial artifact.
func NewDirConnector(root string, logger *log.Logger) (*DirConnector, error) {
	root, e := filepath.Abs(root)
	if e != nil {
		return nil, e
	}
	w, e := fsnotify.NewWatcher()
	if e != nil {
		return nil, e
	}
	if e := w.Add(root); e != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", root, e)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	c := &DirConnector{
		root:    root,
		watcher: w,
		builds:  make(chan Build, buildQueue),
		logger:  logger,
		pending: make(map[string]*release),
		done:    make(chan struct{}),
	}
	c.current = c.latest()
	go c.watch()
	return c, nil
}

func (c *DirConnector) latest() string {
	entries, e := os.ReadDir(c.root)
	if e != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names {
		p := filepath.Join(c.root, n)
		if complete(p) {
			return p
		}
	}
	return ""
}

func complete(dir string) bool {
	fi, e := os.Stat(filepath.Join(dir, IndexFile))
	return e == nil && fi.Mode().IsRegular()
}

func (c *DirConnector) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.event(ev)
		case e, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Printf("Release watcher error: %v", e)
		case <-c.done:
			return
		}
	}
}

func (c *DirConnector) event(ev fsnotify.Event) {
	top := c.releaseOf(ev.Name)
	if top == "" {
		return
	}
	if ev.Name == top && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		c.forget(top)
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	isDir := false
	if fi, e := os.Stat(ev.Name); e == nil && fi.IsDir() {
		isDir = true
	}
	if ev.Name == top {
		// A rename into the directory shows up as a Create.
		if isDir && ev.Op&fsnotify.Create != 0 {
			c.track(top)
		}
		return
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	r, ok := c.pending[top]
	if !ok {
		return
	}
	if isDir && ev.Op&fsnotify.Create != 0 {
		if e := c.watcher.Add(ev.Name); e == nil {
			r.dirs = append(r.dirs, ev.Name)
		}
	}
	r.timer.Reset(releaseSettle)
}

// releaseOf returns the release directory that name lies in, or "" when
// name is outside the releases directory.
func (c *DirConnector) releaseOf(name string) string {
	rel, e := filepath.Rel(c.root, name)
	if e != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.Join(c.root, strings.Split(rel, string(filepath.Separator))[0])
}

// track starts watching a new release.  Anything written before the watch
// was added is caught by the completeness check when the timer fires.
func (c *DirConnector) track(dir string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if r, ok := c.pending[dir]; ok {
		r.timer.Reset(releaseSettle)
		return
	}
	r := &release{}
	if e := c.watcher.Add(dir); e != nil {
		c.logger.Printf("Watching release %s: %v", dir, e)
	} else {
		r.dirs = append(r.dirs, dir)
	}
	r.timer = time.AfterFunc(releaseSettle, func() { c.settled(dir) })
	c.pending[dir] = r
}

// settled announces dir if it is complete.  An incomplete release stays
// pending; its next change restarts the timer.
func (c *DirConnector) settled(dir string) {
	select {
	case <-c.done:
		return
	default:
	}
	if !complete(dir) {
		return
	}
	c.mx.Lock()
	r, ok := c.pending[dir]
	delete(c.pending, dir)
	c.mx.Unlock()
	if !ok {
		return
	}
	for _, d := range r.dirs {
		c.watcher.Remove(d)
	}
	b := Build{ID: filepath.Base(dir), DistPath: dir}
	if e := c.Notify(b); e != nil {
		c.logger.Printf("Dropping build %s: %v", b.ID, e)
	}
}

func (c *DirConnector) forget(dir string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if r, ok := c.pending[dir]; ok {
		r.timer.Stop()
		delete(c.pending, dir)
	}
}

func (c *DirConnector) Builds() <-chan Build {
	return c.builds
}

func (c *DirConnector) DistPath() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.current
}

// Resolve checks that the release exists and is complete.  A relative
// DistPath is taken relative to the releases directory, as is an ID that
// names a directory there.  Otherwise the newest complete release is used.
func (c *DirConnector) Resolve(ctx context.Context, b Build) (string, error) {
	if e := ctx.Err(); e != nil {
		return "", e
	}
	p := b.DistPath
	if p == "" && b.ID != "" && filepath.Base(b.ID) == b.ID {
		if fi, e := os.Stat(filepath.Join(c.root, b.ID)); e == nil && fi.IsDir() {
			p = b.ID
		}
	}
	if p == "" {
		if p = c.latest(); p == "" {
			return "", fmt.Errorf("%w: no release in %s", ErrBuildResolution, c.root)
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.root, p)
	}
	if !complete(p) {
		return "", fmt.Errorf("%w: %s has no %s",
			ErrBuildResolution, p, IndexFile)
	}
	c.mx.Lock()
	c.current = p
	c.mx.Unlock()
	return p, nil
}

// Notify announces a build by hand.  The ID names a release directory
// unless DistPath is given.
func (c *DirConnector) Notify(b Build) error {
	select {
	case c.builds <- b:
		return nil
	default:
		return ErrBuildBacklog
	}
}

// Close stops watching.
func (c *DirConnector) Close() error {
	var e error
	c.once.Do(func() {
		close(c.done)
		c.mx.Lock()
		for dir, r := range c.pending {
			r.timer.Stop()
			delete(c.pending, dir)
		}
		c.mx.Unlock()
		e = c.watcher.Close()
	})
	return e
}
