// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Webserv, a configurable HTTP/1.1 server.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexinfra/webserv/serv"
	"github.com/hexinfra/webserv/serv/libraries/logger"
	"github.com/hexinfra/webserv/serv/libraries/system"
)

const usage = `Webserv (%s)
================================================================================

  webserv [OPTIONS] <config-file>

OPTIONS
-------

  -check            # check the config file and exit
  -debug  <level>   # debug level (default: 0, means disable. max: 2)
  -version          # print version and exit

`

const (
	version        = "1.0.0"
	wantFileLimit  = 65536
	shutdownWindow = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		check      bool
		showVer    bool
		debugLevel int
	)
	flag.Usage = func() { fmt.Fprintf(os.Stderr, usage, version) }
	flag.BoolVar(&check, "check", false, "")
	flag.BoolVar(&showVer, "version", false, "")
	flag.IntVar(&debugLevel, "debug", 0, "")
	flag.Parse()

	if showVer {
		fmt.Println(version)
		return 0
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}

	config, err := serv.LoadConfig(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if check {
		for _, warning := range config.Warnings {
			fmt.Println("warning:", warning)
		}
		fmt.Println("PASS")
		return 0
	}

	log, closer, err := logger.New(logger.Config{
		FilePath:   config.ErrorLog,
		Level:      config.LogLevel,
		DebugLevel: debugLevel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	defer closer.Close()
	for _, warning := range config.Warnings {
		log.Warn().Str("config", config.File).Msg(warning)
	}

	if limit, err := system.RaiseFileLimit(wantFileLimit); err != nil {
		log.Warn().Err(err).Msg("cannot raise open file limit")
	} else if limit < 1100 {
		log.Warn().Uint64("limit", limit).Msg("open file limit is low for many concurrent connections")
	}

	server := serv.NewServer(config, log)
	if err := server.Start(); err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	major, minor := system.KernelVersion()
	log.Info().Strs("addrs", server.Addrs()).Int("kernelMajor", major).Int("kernelMinor", minor).Str("version", version).Msg("webserv started")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)
	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
		return 1
	}
	return 0
}
