// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Delete handler removes files.

package serv

import (
	"os"
	"path/filepath"
)

// serveDelete removes a file, or the regular files directly inside a directory.
// The directory itself stays.
func (r *Router) serveDelete(h *handler) (*Response, error) {
	info, err := os.Lstat(h.path)
	if err != nil {
		return nil, resourceError(err)
	}
	if !info.IsDir() {
		if err := os.Remove(h.path); err != nil {
			return nil, resourceError(err)
		}
		r.fcache.forget(h.path)
		return newResponse(StatusNoContent), nil
	}
	entries, err := os.ReadDir(h.path)
	if err != nil {
		return nil, resourceError(err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		file := filepath.Join(h.path, entry.Name())
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return nil, resourceError(err)
		}
		r.fcache.forget(file)
	}
	r.fcache.forget(h.path)
	return newResponse(StatusNoContent), nil
}
