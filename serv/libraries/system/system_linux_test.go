// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package system

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRaiseFileLimit(t *testing.T) {
	var before unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &before); err != nil {
		t.Fatal(err)
	}
	got, err := RaiseFileLimit(before.Cur) // no change needed
	if err != nil {
		t.Fatal(err)
	}
	if got != before.Cur {
		t.Errorf("got=%d want=%d", got, before.Cur)
	}
}

func TestKillGroup(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & sleep 30")
	NewGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Skip(err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	if err := KillGroup(cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived")
	}
	if err := KillGroup(cmd.Process.Pid); err != nil { // already gone
		t.Errorf("second kill: %v", err)
	}
}

func TestKernelVersion(t *testing.T) {
	if major, _ := KernelVersion(); major < 2 {
		t.Errorf("major=%d", major)
	}
}
