// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level zerolog.Level
		bad   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"loud", zerolog.InfoLevel, true},
	}
	for _, test := range tests {
		level, err := parseLevel(test.name)
		if (err != nil) != test.bad {
			t.Errorf("%q: err=%v", test.name, err)
			continue
		}
		if level != test.level {
			t.Errorf("%q: level=%s want=%s", test.name, level, test.level)
		}
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	log, closer, err := New(Config{FilePath: path, Level: "info"})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug().Msg("hidden")
	log.Info().Str("addr", "127.0.0.1:8080").Msg("listening")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"addr":"127.0.0.1:8080"`)) {
		t.Errorf("missing field in %s", data)
	}
	if bytes.Contains(data, []byte("hidden")) {
		t.Errorf("debug line written at info level")
	}
}

func TestDebugLevelOverrides(t *testing.T) {
	log, _, err := New(Config{Level: "error", DebugLevel: 1})
	if err != nil {
		t.Fatal(err)
	}
	if log.GetLevel() != zerolog.DebugLevel {
		t.Errorf("level=%s", log.GetLevel())
	}
	log, _, _ = New(Config{Level: "error", DebugLevel: 2})
	if log.GetLevel() != zerolog.TraceLevel {
		t.Errorf("level=%s", log.GetLevel())
	}
}

func TestGnetAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := Gnet(zerolog.New(&buf))
	l.Infof("engine started on %d loops", 4)
	if !strings.Contains(buf.String(), "engine started on 4 loops") || !strings.Contains(buf.String(), `"comp":"gnet"`) {
		t.Errorf("got %s", buf.String())
	}
}
