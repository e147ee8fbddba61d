// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Misc system functions for Linux.

package system

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the soft RLIMIT_NOFILE up to want, or to the hard limit if that is lower.
// It returns the resulting soft limit.
func RaiseFileLimit(want uint64) (uint64, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return 0, err
	}
	if limit.Cur >= want {
		return limit.Cur, nil
	}
	target := want
	if limit.Max != unix.RLIM_INFINITY && target > limit.Max {
		target = limit.Max
	}
	if target <= limit.Cur {
		return limit.Cur, nil
	}
	limit.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return 0, err
	}
	return limit.Cur, nil
}

// NewGroup makes cmd start in a process group of its own, so KillGroup can reach its children.
func NewGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = new(syscall.SysProcAttr)
	}
	cmd.SysProcAttr.Setpgid = true
}

// KillGroup kills the process group led by pid. A group that is already gone is not an error.
func KillGroup(pid int) error {
	if pid <= 0 {
		return unix.EINVAL
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// KernelVersion returns the major and minor numbers of the running kernel.
func KernelVersion() (major int, minor int) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return
	}
	var values [2]int
	vi, value := 0, 0
	for _, c := range uname.Release {
		if '0' <= c && c <= '9' {
			value = value*10 + int(c-'0')
			continue
		}
		values[vi] = value
		vi++
		if vi >= len(values) {
			break
		}
		value = 0
	}
	return values[0], values[1]
}
