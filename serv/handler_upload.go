// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Upload handler saves request bodies as files.

package serv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// uploadSummary is the JSON body of upload responses.
type uploadSummary struct {
	Saved  []uploadedFile `json:"saved"`
	Failed []uploadedFile `json:"failed,omitempty"`
}

type uploadedFile struct {
	Name  string `json:"name"`
	Size  int    `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r *Router) serveUpload(h *handler, req *Request) (*Response, error) {
	if len(req.Body) == 0 {
		return nil, newStatusError(ErrProtocol, StatusBadRequest, errors.New("empty upload body"))
	}
	contentType, _ := req.Header("Content-Type")
	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil && mediaType == "multipart/form-data" {
		dir, urlDir, err := r.uploadDir(h)
		if err != nil {
			return nil, err
		}
		return r.saveMultipart(dir, urlDir, req.Body, params["boundary"])
	}

	info, err := os.Stat(h.path)
	if h.dirLike || (err == nil && info.IsDir()) {
		dir, urlDir, err := r.uploadDir(h)
		if err != nil {
			return nil, err
		}
		return r.saveUnnamed(dir, urlDir, req.Body)
	}
	return r.saveNamed(h, req.Body)
}

// uploadDir tells the directory uploads to h go to, and its URL path if it's under root.
func (r *Router) uploadDir(h *handler) (dir string, urlDir string, err error) {
	if h.rule.UploadDir != "" {
		dir = h.rule.UploadDir
	} else if h.dirLike {
		dir = h.path
		urlDir = h.urlPath
	} else if info, err := os.Stat(h.path); err == nil && info.IsDir() {
		dir = h.path
		urlDir = h.urlPath + "/"
	} else {
		dir = filepath.Dir(h.path)
		urlDir = path.Dir(h.urlPath) + "/"
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", "", resourceError(err)
	}
	if !info.IsDir() {
		return "", "", newStatusError(ErrResource, StatusNotFound, fmt.Errorf("%s is not a directory", dir))
	}
	if urlDir == "" {
		if rel, err := filepath.Rel(h.rule.Root, dir); err == nil && !strings.HasPrefix(rel, "..") {
			urlDir = "/" + filepath.ToSlash(rel) + "/"
			if rel == "." {
				urlDir = "/"
			}
		}
	}
	return dir, urlDir, nil
}

func (r *Router) saveMultipart(dir string, urlDir string, body []byte, boundary string) (*Response, error) {
	if boundary == "" {
		return nil, newStatusError(ErrProtocol, StatusBadRequest, errors.New("multipart body without boundary"))
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var summary uploadSummary
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newStatusError(ErrProtocol, StatusBadRequest, err)
		}
		if part.FileName() == "" { // plain form field
			continue
		}
		name, ok := sanitizeFileName(part.FileName())
		if !ok {
			summary.Failed = append(summary.Failed, uploadedFile{Name: part.FileName(), Error: "invalid file name"})
			continue
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, newStatusError(ErrProtocol, StatusBadRequest, err)
		}
		file := filepath.Join(dir, name)
		if err := writeNewFile(file, data); err != nil {
			reason := "write failed"
			if errors.Is(err, fs.ErrExist) {
				reason = "file exists"
			}
			summary.Failed = append(summary.Failed, uploadedFile{Name: name, Error: reason})
			continue
		}
		r.fcache.forget(file)
		summary.Saved = append(summary.Saved, uploadedFile{Name: name, Size: len(data)})
	}
	if len(summary.Saved) == 0 && len(summary.Failed) == 0 {
		return nil, newStatusError(ErrProtocol, StatusBadRequest, errors.New("no file in multipart body"))
	}
	status := int16(StatusCreated)
	if len(summary.Saved) == 0 {
		status = StatusConflict
	}
	resp, err := jsonResponse(status, summary)
	if err != nil {
		return nil, err
	}
	if len(summary.Saved) == 1 && urlDir != "" {
		resp.SetHeader("Location", urlDir+summary.Saved[0].Name)
	}
	return resp, nil
}

// saveUnnamed saves a raw body posted to a directory under a timestamp name.
func (r *Router) saveUnnamed(dir string, urlDir string, body []byte) (*Response, error) {
	now := r.now()
	base := now.Format("20060102_150405") + fmt.Sprintf("_%06d", now.Nanosecond()/1000)
	name := base + "_upload"
	for i := 1; ; i++ {
		file := filepath.Join(dir, name)
		err := writeNewFile(file, body)
		if err == nil {
			r.fcache.forget(file)
			break
		}
		if !errors.Is(err, fs.ErrExist) || i > 100 {
			return nil, resourceError(err)
		}
		name = fmt.Sprintf("%s_%d_upload", base, i)
	}
	resp, err := jsonResponse(StatusCreated, uploadSummary{Saved: []uploadedFile{{Name: name, Size: len(body)}}})
	if err != nil {
		return nil, err
	}
	if urlDir != "" {
		resp.SetHeader("Location", urlDir+name)
	}
	return resp, nil
}

// saveNamed creates or replaces the target file itself.
func (r *Router) saveNamed(h *handler, body []byte) (*Response, error) {
	file := h.path
	urlPath := h.urlPath
	if h.rule.UploadDir != "" {
		file = filepath.Join(h.rule.UploadDir, path.Base(h.urlPath))
		urlPath = ""
	}
	if info, err := os.Stat(filepath.Dir(file)); err != nil {
		return nil, resourceError(err)
	} else if !info.IsDir() {
		return nil, newStatusError(ErrResource, StatusNotFound, fmt.Errorf("%s is not a directory", filepath.Dir(file)))
	}
	status := int16(StatusCreated)
	if info, err := os.Stat(file); err == nil {
		if !info.Mode().IsRegular() {
			return nil, newStatusError(ErrResource, StatusConflict, fmt.Errorf("%s is not a regular file", file))
		}
		status = StatusOK
	}
	if err := os.WriteFile(file, body, 0644); err != nil {
		return nil, resourceError(err)
	}
	r.fcache.forget(file)
	resp, err := jsonResponse(status, uploadSummary{Saved: []uploadedFile{{Name: filepath.Base(file), Size: len(body)}}})
	if err != nil {
		return nil, err
	}
	if status == StatusCreated && urlPath != "" {
		resp.SetHeader("Location", urlPath)
	}
	return resp, nil
}

func writeNewFile(file string, data []byte) error {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(file)
		return err
	}
	return f.Close()
}

// sanitizeFileName keeps the base name and replaces characters unsafe in file names.
func sanitizeFileName(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", false
	}
	safe := []byte(name)
	for i, b := range safe {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '.' || b == '-' || b == '_':
		default:
			safe[i] = '_'
		}
	}
	if safe[0] == '.' {
		safe[0] = '_'
	}
	return string(safe), true
}

func jsonResponse(status int16, v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, newStatusError(ErrResource, StatusInternalServerError, err)
	}
	return newTextResponse(status, "application/json", append(data, '\n')), nil
}
