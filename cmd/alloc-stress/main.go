// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/apache/arrow-alloc/internal/stress"
	"github.com/apache/arrow-alloc/memory"
	_ "github.com/apache/arrow-alloc/memory/mallocator"
	_ "github.com/apache/arrow-alloc/memory/offheap"
	_ "github.com/apache/arrow-alloc/memory/pagealloc"
	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"github.com/phuslu/log"
)

const usage = `Allocator Stress Tester.
Usage:
  alloc-stress -h | --help
  alloc-stress --list
  alloc-stress [--backend=NAME] [--workers=N] [--iterations=N] [--max-size=BYTES]
               [--seed=N] [--checked] [--json] [--verbose]
Options:
  -h --help           Show this screen.
  --list              List the available backends and exit.
  --backend=NAME      Backend to exercise, defaults to $ARROW_ALLOC_BACKEND or go.
  --workers=N         Concurrent goroutines [default: 0].
  --iterations=N      Blocks allocated by each goroutine [default: 0].
  --max-size=BYTES    Upper bound of randomly sized blocks [default: 0].
  --seed=N            Random seed [default: 1].
  --checked           Validate every backend call and report leaks.
  --json              Print the report as JSON.
  --verbose           Enable debug logging.`

func main() {
	opts, _ := docopt.ParseDoc(usage)
	var config struct {
		List       bool
		Backend    string
		Workers    string
		Iterations string
		MaxSize    string `docopt:"--max-size"`
		Seed       string
		Checked    bool
		JSON       bool `docopt:"--json"`
		Verbose    bool
	}
	if err := opts.Bind(&config); err != nil {
		fmt.Fprintln(os.Stderr, "error: ", err)
		os.Exit(1)
	}

	var (
		cfg     stress.Config
		maxSize int
		seed    int
	)
	for _, opt := range []struct {
		name, val string
		dst       *int
	}{
		{"--workers", config.Workers, &cfg.Workers},
		{"--iterations", config.Iterations, &cfg.Iterations},
		{"--max-size", config.MaxSize, &maxSize},
		{"--seed", config.Seed, &seed},
	} {
		n, err := strconv.Atoi(opt.val)
		if err != nil || (n < 0 && opt.dst != &seed) {
			fmt.Fprintln(os.Stderr, "error: "+opt.name+" needs to be a non-negative integer")
			os.Exit(1)
		}
		*opt.dst = n
	}
	cfg.MaxSize, cfg.Seed = uintptr(maxSize), int64(seed)

	log.DefaultLogger.SetLevel(log.InfoLevel)
	if config.Verbose {
		log.DefaultLogger.SetLevel(log.DebugLevel)
	}

	if config.List {
		fmt.Println(strings.Join(memory.Backends(), "\n"))
		return
	}

	var (
		backend memory.Backend
		err     error
	)
	if config.Backend != "" {
		backend, err = memory.GetBackend(config.Backend)
	} else {
		backend, err = memory.BackendFromEnv()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: ", err, "(available: "+strings.Join(memory.Backends(), ", ")+")")
		os.Exit(1)
	}

	var checked *memory.CheckedBackend
	if config.Checked {
		checked = memory.NewCheckedBackend(backend)
		backend = checked
	}

	log.Debug().Str("backend", fmt.Sprintf("%T", backend)).Int("workers", cfg.Workers).
		Int("iterations", cfg.Iterations).Int64("seed", cfg.Seed).Bool("checked", config.Checked).Msg("starting stress run")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := stress.Run(ctx, memory.NewFacade(backend), cfg)
	failed := err != nil
	if err != nil {
		log.Error().Err(err).Msg("stress run failed")
	}

	if checked != nil {
		t := &reporter{}
		checked.AssertSize(t, 0)
		if t.failed {
			failed = true
		}
	}

	if config.JSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "error encoding report: ", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("workers:       %d\n", report.Workers)
		fmt.Printf("iterations:    %d\n", report.Iterations)
		fmt.Printf("allocations:   %d (%d zero-size)\n", report.Allocations, report.ZeroSize)
		fmt.Printf("reallocations: %d\n", report.Reallocations)
		fmt.Printf("exhausted:     %d\n", report.Exhausted)
		fmt.Printf("bytes:         %d\n", report.Bytes)
		fmt.Printf("elapsed:       %s\n", report.Elapsed)
	}

	if failed {
		os.Exit(1)
	}
	log.Info().Int64("allocations", report.Allocations).Dur("elapsed", report.Elapsed).Msg("stress run passed")
}

// reporter adapts the leak and violation report of a CheckedBackend to the
// logger.
type reporter struct {
	failed bool
}

func (r *reporter) Errorf(format string, args ...interface{}) {
	r.failed = true
	log.Error().Msgf(strings.TrimSuffix(format, "\n"), args...)
}

func (r *reporter) Helper() {}
