// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

const DefaultListenAddress = ":3282"

type GlobalFlags struct {
	Flagset        *flag.FlagSet
	Dir            string
	Listen         string
	Live           bool
	Mdns           bool
	Topology       string
	MetricsAddress string
	Debug          bool
}

func NewGlobalFlags() *GlobalFlags {
	f := &GlobalFlags{
		Flagset: flag.NewFlagSet(os.Args[0], flag.ExitOnError),
	}
	f.Flagset.StringVar(
		&f.Dir,
		"dir",
		"",
		"directory holding the secret key and feed storage (in-memory if empty)",
	)
	f.Flagset.StringVar(
		&f.Listen,
		"listen",
		DefaultListenAddress,
		"TCP address to accept peers on in address:port format",
	)
	f.Flagset.BoolVar(
		&f.Live,
		"live",
		false,
		"keep replicating new blocks after the initial sync",
	)
	f.Flagset.BoolVar(&f.Mdns, "mdns", true, "discover peers on the local network")
	f.Flagset.StringVar(
		&f.Topology,
		"topology",
		"",
		"JSON file listing static peers",
	)
	f.Flagset.StringVar(
		&f.MetricsAddress,
		"metrics-address",
		"",
		"address to serve prometheus metrics on (disabled if empty)",
	)
	f.Flagset.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	return f
}

func (f *GlobalFlags) Parse() {
	if err := f.Flagset.Parse(os.Args[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}
}

// Logger returns a text logger writing to stderr at the level selected by
// the flags
func (f *GlobalFlags) Logger() *slog.Logger {
	level := slog.LevelInfo
	if f.Debug {
		level = slog.LevelDebug
	}
	return slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)
}
