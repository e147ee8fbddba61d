// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Static handler serves files and directory listings from local file system.

package serv

import (
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
)

func (r *Router) serveStatic(h *handler) (*Response, error) {
	entry := h.entry
	content, err := entry.content()
	if err != nil {
		if err == errFileTooLarge {
			return nil, newStatusError(ErrResource, StatusInternalServerError, err)
		}
		return nil, resourceError(err)
	}
	resp := newTextResponse(StatusOK, mimeType(entry.path), content)
	resp.SetHeader("Last-Modified", entry.info.ModTime().UTC().Format(httpDateFormat))
	return resp, nil
}

func mimeType(file string) string {
	if ext := path.Ext(file); ext != "" {
		if mimeType, ok := staticDefaultMimeTypes[strings.ToLower(ext[1:])]; ok {
			return mimeType
		}
	}
	return "application/octet-stream"
}

func (r *Router) serveListing(h *handler) (*Response, error) {
	entries, err := os.ReadDir(h.path)
	if err != nil {
		return nil, resourceError(err)
	}
	title := "Index of " + staticHTMLEscape(h.urlPath)
	var b strings.Builder
	b.WriteString(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>` + title + `</title>
</head>
<body>
<h1>` + title + `</h1>
<p>Directory listing</p>
`)
	b.WriteString(`<table border="1">`)
	b.WriteString(`<tr><th>name</th><th>size(in bytes)</th><th>time</th></tr>`)
	if h.urlPath != "/" {
		b.WriteString(`<tr><td><a href="../">../</a></td><td>-</td><td>-</td></tr>`)
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil { // removed meanwhile
			continue
		}
		name := entry.Name()
		size := strconv.FormatInt(info.Size(), 10)
		if entry.IsDir() {
			name += "/"
			size = "-"
		}
		date := info.ModTime().UTC().Format(httpDateFormat)
		href := "./" + url.PathEscape(entry.Name())
		if entry.IsDir() {
			href += "/"
		}
		line := `<tr><td><a href="` + staticHTMLEscape(href) + `">` + staticHTMLEscape(name) + `</a></td><td>` + size + `</td><td>` + date + `</td></tr>`
		b.WriteString(line)
	}
	b.WriteString("</table>\n</body>\n</html>\n")
	return newTextResponse(StatusOK, "text/html", []byte(b.String())), nil
}

func staticHTMLEscape(s string) string { return staticHTMLEscaper.Replace(s) }

var staticHTMLEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

var staticDefaultMimeTypes = map[string]string{
	"7z":   "application/x-7z-compressed",
	"atom": "application/atom+xml",
	"bin":  "application/octet-stream",
	"bmp":  "image/x-ms-bmp",
	"css":  "text/css",
	"csv":  "text/csv",
	"doc":  "application/msword",
	"flv":  "video/x-flv",
	"gif":  "image/gif",
	"htm":  "text/html",
	"html": "text/html",
	"ico":  "image/x-icon",
	"jar":  "application/java-archive",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"js":   "application/javascript",
	"json": "application/json",
	"m4a":  "audio/x-m4a",
	"md":   "text/markdown",
	"mov":  "video/quicktime",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"mpeg": "video/mpeg",
	"pdf":  "application/pdf",
	"png":  "image/png",
	"ppt":  "application/vnd.ms-powerpoint",
	"ps":   "application/postscript",
	"rar":  "application/x-rar-compressed",
	"rss":  "application/rss+xml",
	"rtf":  "application/rtf",
	"svg":  "image/svg+xml",
	"txt":  "text/plain",
	"wasm": "application/wasm",
	"webm": "video/webm",
	"webp": "image/webp",
	"xls":  "application/vnd.ms-excel",
	"xml":  "text/xml",
	"zip":  "application/zip",
}
