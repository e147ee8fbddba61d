// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP status codes, status lines and built-in error pages.

package serv

import (
	"fmt"
	"strconv"
)

const ( // status codes
	// 2XX
	StatusOK        = 200
	StatusCreated   = 201
	StatusAccepted  = 202
	StatusNoContent = 204
	// 3XX
	StatusMovedPermanently  = 301
	StatusFound             = 302
	StatusSeeOther          = 303
	StatusNotModified       = 304
	StatusTemporaryRedirect = 307
	StatusPermanentRedirect = 308
	// 4XX
	StatusBadRequest                  = 400
	StatusForbidden                   = 403
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusRequestTimeout              = 408
	StatusConflict                    = 409
	StatusLengthRequired              = 411
	StatusContentTooLarge             = 413
	StatusURITooLong                  = 414
	StatusUnsupportedMediaType        = 415
	StatusRequestHeaderFieldsTooLarge = 431
	// 5XX
	StatusInternalServerError     = 500
	StatusNotImplemented          = 501
	StatusBadGateway              = 502
	StatusServiceUnavailable      = 503
	StatusGatewayTimeout          = 504
	StatusHTTPVersionNotSupported = 505
)

var http1Controls = [...][]byte{ // indexed by status
	// 2XX
	StatusOK:        []byte("HTTP/1.1 200 OK\r\n"),
	StatusCreated:   []byte("HTTP/1.1 201 Created\r\n"),
	StatusAccepted:  []byte("HTTP/1.1 202 Accepted\r\n"),
	StatusNoContent: []byte("HTTP/1.1 204 No Content\r\n"),
	// 3XX
	StatusMovedPermanently:  []byte("HTTP/1.1 301 Moved Permanently\r\n"),
	StatusFound:             []byte("HTTP/1.1 302 Found\r\n"),
	StatusSeeOther:          []byte("HTTP/1.1 303 See Other\r\n"),
	StatusNotModified:       []byte("HTTP/1.1 304 Not Modified\r\n"),
	StatusTemporaryRedirect: []byte("HTTP/1.1 307 Temporary Redirect\r\n"),
	StatusPermanentRedirect: []byte("HTTP/1.1 308 Permanent Redirect\r\n"),
	// 4XX
	StatusBadRequest:                  []byte("HTTP/1.1 400 Bad Request\r\n"),
	StatusForbidden:                   []byte("HTTP/1.1 403 Forbidden\r\n"),
	StatusNotFound:                    []byte("HTTP/1.1 404 Not Found\r\n"),
	StatusMethodNotAllowed:            []byte("HTTP/1.1 405 Method Not Allowed\r\n"),
	StatusRequestTimeout:              []byte("HTTP/1.1 408 Request Timeout\r\n"),
	StatusConflict:                    []byte("HTTP/1.1 409 Conflict\r\n"),
	StatusLengthRequired:              []byte("HTTP/1.1 411 Length Required\r\n"),
	StatusContentTooLarge:             []byte("HTTP/1.1 413 Payload Too Large\r\n"),
	StatusURITooLong:                  []byte("HTTP/1.1 414 URI Too Long\r\n"),
	StatusUnsupportedMediaType:        []byte("HTTP/1.1 415 Unsupported Media Type\r\n"),
	StatusRequestHeaderFieldsTooLarge: []byte("HTTP/1.1 431 Request Header Fields Too Large\r\n"),
	// 5XX
	StatusInternalServerError:     []byte("HTTP/1.1 500 Internal Server Error\r\n"),
	StatusNotImplemented:          []byte("HTTP/1.1 501 Not Implemented\r\n"),
	StatusBadGateway:              []byte("HTTP/1.1 502 Bad Gateway\r\n"),
	StatusServiceUnavailable:      []byte("HTTP/1.1 503 Service Unavailable\r\n"),
	StatusGatewayTimeout:          []byte("HTTP/1.1 504 Gateway Timeout\r\n"),
	StatusHTTPVersionNotSupported: []byte("HTTP/1.1 505 HTTP Version Not Supported\r\n"),
}

// statusLine returns the status line for status, making one up for codes outside the table.
func statusLine(status int16) []byte {
	if int(status) < len(http1Controls) {
		if control := http1Controls[status]; control != nil {
			return control
		}
	}
	return []byte("HTTP/1.1 " + strconv.Itoa(int(status)) + " " + statusText(status) + "\r\n")
}

// statusText returns the reason phrase of status.
func statusText(status int16) string {
	if int(status) < len(http1Controls) {
		if control := http1Controls[status]; control != nil {
			return string(control[len("HTTP/1.1 NNN ") : len(control)-2])
		}
	}
	switch status / 100 {
	case 2:
		return "Success"
	case 3:
		return "Redirection"
	case 4:
		return "Client Error"
	case 5:
		return "Server Error"
	}
	return "Unknown"
}

var serverErrorPages = func() map[int16][]byte {
	pages := make(map[int16][]byte)
	for status, control := range http1Controls {
		if status < 400 || control == nil {
			continue
		}
		pages[int16(status)] = makeErrorPage(int16(status))
	}
	return pages
}()

func makeErrorPage(status int16) []byte {
	const template = `<!doctype html>
<html lang="en">
<head>
<meta name="viewport" content="width=device-width,initial-scale=1.0">
<meta charset="utf-8">
<title>%d %s</title>
<style type="text/css">
body{text-align:center;}
header{font-size:72pt;}
main{font-size:36pt;}
footer{padding:20px;}
</style>
</head>
<body>
	<header>%d</header>
	<main>%s</main>
	<footer>Powered by webserv</footer>
</body>
</html>`
	phrase := statusText(status)
	return []byte(fmt.Sprintf(template, status, phrase, status, phrase))
}

// builtinErrorPage returns the built-in page of status.
func builtinErrorPage(status int16) []byte {
	if page, ok := serverErrorPages[status]; ok {
		return page
	}
	return makeErrorPage(status)
}
