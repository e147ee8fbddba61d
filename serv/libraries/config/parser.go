// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Config parser. Lexer and token cursor for the nginx-like config language.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errUnexpectedEOF = errors.New("parser: unexpected EOF")

// Parser_ is a token cursor. Its methods panic on errors, callers recover them at the boundary.
type Parser_ struct {
	directives map[string]int16 // registered directive codes
	tokens     []Token          // the token list
	index      int              // token index
	limit      int              // limit of token index
}

func (p *Parser_) Init(directives map[string]int16) {
	p.directives = directives
}

func (p *Parser_) ScanText(text string) {
	var l lexer
	p.tokens = l.scanText(text)
	p.process()
}
func (p *Parser_) ScanFile(base string, file string) {
	var l lexer
	p.tokens = l.scanFile(base, file)
	p.process()
}
func (p *Parser_) Tokens() []Token { return p.tokens }

func (p *Parser_) process() {
	p.index, p.limit = 0, len(p.tokens)
	for i := 0; i < len(p.tokens); i++ {
		token := &p.tokens[i]
		if token.Kind == TokenWord { // some words are directives
			if code, ok := p.directives[token.Text]; ok {
				token.Info = code
			}
		}
	}
}

func (p *Parser_) Done() bool                { return p.index >= p.limit }
func (p *Parser_) Current() Token            { return p.tokens[p.index] }
func (p *Parser_) CurrentIs(kind int16) bool { return p.index < p.limit && p.tokens[p.index].Kind == kind }
func (p *Parser_) NextIs(kind int16) bool {
	if p.index+1 >= p.limit {
		return false
	}
	return p.tokens[p.index+1].Kind == kind
}
func (p *Parser_) Expect(kind int16) Token {
	if p.index >= p.limit {
		panic(errUnexpectedEOF)
	}
	current := p.tokens[p.index]
	if current.Kind != kind {
		panic(fmt.Errorf("parser: expect %s, but get %s=%s in %s", tokenNames[kind], tokenNames[current.Kind], current.Text, current.Where()))
	}
	return current
}
func (p *Parser_) ForwardExpect(kind int16) Token {
	if p.index++; p.index >= p.limit {
		panic(errUnexpectedEOF)
	}
	return p.Expect(kind)
}
func (p *Parser_) Forward() Token {
	if p.index++; p.index >= p.limit {
		panic(errUnexpectedEOF)
	}
	return p.tokens[p.index]
}

// Next moves to the next token. Unlike Forward it allows reaching the end.
func (p *Parser_) Next() { p.index++ }

// Args collects the value tokens following the current one, stopping at ';' or '{'.
// The cursor is left on the terminator.
func (p *Parser_) Args() []Token {
	var args []Token
	for {
		current := p.Forward()
		if current.Kind == TokenSemicolon || current.Kind == TokenLeftBrace {
			return args
		}
		if !current.IsValue() {
			panic(fmt.Errorf("parser: unexpected %s in %s", current.Name(), current.Where()))
		}
		args = append(args, current)
	}
}

// lexer
type lexer struct {
	config string // the config text
	index  int
	limit  int
	base   string
	file   string
}

func (l *lexer) scanText(text string) []Token {
	l.config = text
	return l.scan()
}
func (l *lexer) scanFile(base string, file string) []Token {
	l.base = base
	l.file = file
	return l.scan()
}

func (l *lexer) scan() []Token {
	if l.file != "" {
		l.config = l.load(l.base, l.file)
	}
	l.index = 0
	l.limit = len(l.config)
	var tokens []Token
	line := int32(1)
	for l.index < l.limit {
		from := l.index
		switch b := l.config[l.index]; b {
		case ' ', '\r', '\t': // blank, ignore
			l.index++
		case '\n': // new line
			line++
			l.index++
		case '#': // shell comment
			l.nextUntil('\n')
		case '"', '`', '\'': // "string", `string` or 'string'
			s := l.config[l.index]
			l.index++
			l.nextUntil(s)
			l.checkEOF()
			text := l.config[from+1 : l.index]
			line += int32(strings.Count(text, "\n"))
			tokens = append(tokens, Token{TokenString, 0, line, l.file, text})
			l.index++
		case '<': // <includedFile>
			if l.base == "" {
				panic(errors.New("lexer: include is not allowed in text mode"))
			}
			l.index++
			l.nextUntil('>')
			l.checkEOF()
			file := l.config[from+1 : l.index]
			l.index++
			var ll lexer
			tokens = append(tokens, ll.scanFile(l.base, file)...)
		default:
			if kind := soloKinds[b]; kind != 0 { // kind starts from 1
				tokens = append(tokens, Token{kind, 0, line, l.file, soloTexts[b]})
				l.index++
				continue
			}
			l.nextWord()
			word := l.config[from:l.index]
			tokens = append(tokens, Token{classify(word), 0, line, l.file, word})
		}
	}
	return tokens
}

// classify tells integers and durations from plain words.
func classify(word string) int16 {
	n := len(word)
	digits := 0
	for digits < n && isDigit(word[digits]) {
		digits++
	}
	switch {
	case digits == 0:
		return TokenWord
	case digits == n:
		return TokenInteger
	case digits == n-1:
		switch word[n-1] {
		case 'K', 'M', 'G', 'T':
			return TokenInteger
		case 's', 'm', 'h', 'd':
			return TokenDuration
		}
	}
	return TokenWord
}

func (l *lexer) nextUntil(b byte) {
	if i := strings.IndexByte(l.config[l.index:], b); i == -1 {
		l.index = l.limit
	} else {
		l.index += i
	}
}
func (l *lexer) checkEOF() {
	if l.index == l.limit {
		panic(errors.New("lexer: unexpected eof"))
	}
}
func (l *lexer) nextWord() {
	for l.index < l.limit && isWord(l.config[l.index]) {
		l.index++
	}
}

func (l *lexer) load(base string, file string) string {
	path := file
	if !filepath.IsAbs(file) && base != "" {
		path = filepath.Join(base, file)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
func isWord(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '{', '}', ';', '"', '`', '\'':
		return false
	}
	return true
}
