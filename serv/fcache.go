// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// File cache. Contents of small files are cached for a short while.

package serv

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

const (
	_64K1             = 1<<16 - 1
	fcacheTimeout     = 1 * time.Second
	fcacheMaxEntries  = 4096
	fcacheMaxFileSize = 8 << 20 // larger files are refused, reading them would stall the event loop
)

var errFileTooLarge = errors.New("file too large")

// fileCache caches stats of paths and contents of small files. Shared by all event loops.
type fileCache struct {
	smallFileSize int64 // what size is considered as small file
	cacheTimeout  time.Duration
	rwMutex       sync.RWMutex // protects entries below
	entries       map[string]*fcacheEntry
}

func newFileCache() *fileCache {
	return &fileCache{
		smallFileSize: _64K1,
		cacheTimeout:  fcacheTimeout,
		entries:       make(map[string]*fcacheEntry),
	}
}

// getEntry returns the entry of path, loading it if it's not cached or expired.
func (f *fileCache) getEntry(path string) (*fcacheEntry, error) {
	now := time.Now()
	f.rwMutex.RLock()
	entry, ok := f.entries[path]
	f.rwMutex.RUnlock()
	if ok && entry.last.After(now) {
		return entry, nil
	}
	return f.newEntry(path, now)
}

func (f *fileCache) newEntry(path string, now time.Time) (*fcacheEntry, error) {
	info, err := os.Stat(path) // opening a fifo would block
	if err != nil {
		return nil, err
	}

	entry := &fcacheEntry{path: path, info: info, last: now.Add(f.cacheTimeout)}
	switch {
	case info.IsDir():
		entry.kind = fcacheKindDir
	case !info.Mode().IsRegular():
		entry.kind = fcacheKindOther
	case info.Size() <= f.smallFileSize:
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		text := make([]byte, info.Size())
		if _, err := io.ReadFull(file, text); err != nil {
			return nil, err
		}
		entry.kind = fcacheKindSmall
		entry.text = text
	default:
		entry.kind = fcacheKindLarge
	}

	f.rwMutex.Lock()
	if len(f.entries) < fcacheMaxEntries {
		f.entries[path] = entry
	}
	f.rwMutex.Unlock()
	return entry, nil
}

// forget drops the entry of path. Called when a file is written or removed.
func (f *fileCache) forget(path string) {
	f.rwMutex.Lock()
	delete(f.entries, path)
	f.rwMutex.Unlock()
}

// sweep drops expired entries.
func (f *fileCache) sweep(now time.Time) int {
	f.rwMutex.Lock()
	defer f.rwMutex.Unlock()
	n := 0
	for path, entry := range f.entries {
		if entry.last.After(now) {
			continue
		}
		delete(f.entries, path)
		n++
	}
	return n
}

func (f *fileCache) size() int {
	f.rwMutex.RLock()
	defer f.rwMutex.RUnlock()
	return len(f.entries)
}

// fcacheEntry
type fcacheEntry struct {
	kind int8        // see fcacheKindXXX
	path string      // file path
	info os.FileInfo // stat of the path
	text []byte      // content of small file
	last time.Time   // expire time
}

const ( // fcache entry kinds
	fcacheKindDir = iota
	fcacheKindSmall
	fcacheKindLarge
	fcacheKindOther // devices, sockets, ...
)

func (e *fcacheEntry) isDir() bool   { return e.kind == fcacheKindDir }
func (e *fcacheEntry) isSmall() bool { return e.kind == fcacheKindSmall }
func (e *fcacheEntry) isLarge() bool { return e.kind == fcacheKindLarge }
func (e *fcacheEntry) isFile() bool  { return e.kind == fcacheKindSmall || e.kind == fcacheKindLarge }

// content returns the file content. Large files are read on each call.
func (e *fcacheEntry) content() ([]byte, error) {
	if e.isSmall() {
		return e.text, nil
	}
	if e.info.Size() > fcacheMaxFileSize {
		return nil, errFileTooLarge
	}
	return os.ReadFile(e.path)
}
