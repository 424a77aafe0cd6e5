// Command transilience runs a single illustrative local playbook: it
// is not the core engine's public interface (the engine is meant to be
// embedded, the way a Runner/Role/Playbook are composed in Go code),
// but it gives the packages under internal/ a runnable entry point and
// demonstrates wiring a role through a Runner against a local System.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/playbook"
	"github.com/transilience/transilience/internal/system"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	check := flag.Bool("check", false, "compute intent without mutating the target")
	verbose := flag.Bool("verbose", false, "enable info-level progress logging")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	dir := flag.String("dir", "", "directory to ensure (required)")
	mode := flag.String("mode", "0644", "mode string applied to the touched file")
	line := flag.String("line", "managed by transilience", "line kept present inside the managed block")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("transilience %s\n", version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "transilience: --dir is required")
		printUsage()
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	switch {
	case *debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case *verbose:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, cancelling")
		cancel()
	}()

	path := filepath.Join(*dir, "transilience.managed")

	local := system.NewLocal(ctx, log)
	defer local.Close()
	hosts := []playbook.Host{{Name: "localhost", Sys: local}}

	err := playbook.Run(log, hosts, func(h playbook.Host, add playbook.RoleAdder) {
		add.AddRole(newBootstrapRole(*dir, path, *mode, *line, *check))
	})
	if err != nil {
		log.Fatal().Err(err).Msg("playbook failed")
	}

	log.Info().Str("path", path).Msg("playbook complete")
}

func printUsage() {
	fmt.Printf(`Usage: transilience --dir PATH [options]

Runs a single illustrative local role: ensure a directory, touch a
file inside it, and keep a managed block of text present in that file.

Options:
  --dir PATH      Directory to ensure (required)
  --mode MODE     Mode string applied to the touched file (default 0644)
  --line TEXT     Line kept present inside the managed block
  --check         Compute intent without mutating the target
  --verbose       Enable info-level progress logging
  --debug         Enable debug-level logging
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
`)
}
