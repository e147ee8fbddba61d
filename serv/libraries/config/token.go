// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Config tokens.

package config

import (
	"fmt"
	"strconv"
	"time"
)

// Token is a lexical unit in config text.
type Token struct { // 40 bytes
	Kind int16  // TokenXXX
	Info int16  // directive code for words, if registered
	Line int32  // at line number
	File string // file path
	Text string // text literal
}

func (t Token) Name() string { return tokenNames[t.Kind] }
func (t Token) String() string {
	return fmt.Sprintf("kind=%10s info=%2d line=%4d file=%s    %s", t.Name(), t.Info, t.Line, t.File, t.Text)
}

// Where tells the location of the token for error messages.
func (t Token) Where() string {
	if t.File == "" {
		return fmt.Sprintf("line %d", t.Line)
	}
	return fmt.Sprintf("line %d (%s)", t.Line, t.File)
}

const ( // token list. if you change this list, change in tokenNames too.
	// Word
	TokenWord = 1 + iota // server, listen, /images/, 127.0.0.1:8080, GET, on, ...
	// Operators
	TokenLeftBrace  // {
	TokenRightBrace // }
	TokenSemicolon  // ;
	// Values
	TokenString   // "", "abc", `def`, ...
	TokenInteger  // 123, 16K, 256M, ...
	TokenDuration // 1s, 2m, 3h, 4d, ...
)

var tokenNames = [...]string{ // token names. if you change this list, change in token list too.
	// Word
	TokenWord: "word",
	// Operators
	TokenLeftBrace:  "leftBrace",
	TokenRightBrace: "rightBrace",
	TokenSemicolon:  "semicolon",
	// Values
	TokenString:   "string",
	TokenInteger:  "integer",
	TokenDuration: "duration",
}

var soloKinds = [256]int16{ // keep sync with soloTexts
	'{': TokenLeftBrace,
	'}': TokenRightBrace,
	';': TokenSemicolon,
}
var soloTexts = [...]string{ // keep sync with soloKinds
	'{': "{",
	'}': "}",
	';': ";",
}

const (
	K = 1 << 10
	M = 1 << 20
	G = 1 << 30
	T = 1 << 40
)

// IsValue reports whether the token can be used as a directive argument.
func (t Token) IsValue() bool {
	return t.Kind == TokenWord || t.Kind == TokenString || t.Kind == TokenInteger || t.Kind == TokenDuration
}

// Int64 converts integer tokens, including the ones with K, M, G, T suffixes.
func (t Token) Int64() (int64, bool) {
	if t.Kind != TokenInteger {
		return 0, false
	}
	text := t.Text
	unit := int64(1)
	switch text[len(text)-1] {
	case 'K':
		unit = K
	case 'M':
		unit = M
	case 'G':
		unit = G
	case 'T':
		unit = T
	}
	if unit != 1 {
		text = text[:len(text)-1]
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	if n > 0 && n*unit/unit != n { // overflow
		return 0, false
	}
	return n * unit, true
}

// Int is Int64 narrowed to int.
func (t Token) Int() (int, bool) {
	n, ok := t.Int64()
	if !ok || int64(int(n)) != n {
		return 0, false
	}
	return int(n), true
}

// Duration converts duration tokens. Plain integers are taken as seconds.
func (t Token) Duration() (time.Duration, bool) {
	switch t.Kind {
	case TokenInteger:
		if n, ok := t.Int64(); ok && isDigit(t.Text[len(t.Text)-1]) {
			return time.Duration(n) * time.Second, true
		}
		return 0, false
	case TokenDuration:
	default:
		return 0, false
	}
	last := len(t.Text) - 1
	n, err := strconv.ParseInt(t.Text[:last], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	var d time.Duration
	switch t.Text[last] {
	case 's':
		d = time.Duration(n) * time.Second
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	}
	return d, true
}

// Bool accepts on/off, true/false and yes/no.
func (t Token) Bool() (b bool, ok bool) {
	if t.Kind != TokenWord && t.Kind != TokenString {
		return false, false
	}
	switch t.Text {
	case "on", "true", "yes":
		return true, true
	case "off", "false", "no":
		return false, true
	}
	return false, false
}
