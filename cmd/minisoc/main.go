// Package main provides the minisoc command: the detection server, the
// log-shipping agent and the operator tools that talk to them.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/lvonguyen/minisoc/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"server", "run the ingest, detection and alert API server", runServer},
	{"agent", "follow an auth log and ship lines to a server", runAgent},
	{"replay", "run a scenario file through the pipeline", runReplay},
	{"alerts", "list alerts from a server", runAlerts},
	{"report", "render a daily markdown report", runReport},
	{"doctor", "check configuration and local log sources", runDoctor},
	{"version", "print version information", runVersion},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		usage()
		return
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(os.Args[2:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return
			}
			fmt.Fprintf(os.Stderr, "minisoc %s: %v\n", name, err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "minisoc: unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: minisoc <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func runVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Printf("minisoc %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	return nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		cfg.Observability.ServiceVersion = Version
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Observability.ServiceVersion == "" || cfg.Observability.ServiceVersion == "dev" {
		cfg.Observability.ServiceVersion = Version
	}
	return cfg, nil
}
