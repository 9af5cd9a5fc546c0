package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lmkapp/lmk/internal/config"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "Where to write the config (default: ~/.lmk/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lmk init [options]\n\nWrite a starter config. An existing file is left alone.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *path
	if target == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		target = p
	}

	_, statErr := os.Stat(target)
	existed := statErr == nil
	if err := config.WriteDefault(target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if existed {
		fmt.Fprintf(stdout, "Config already exists at %s\n", target)
		return 0
	}
	fmt.Fprintf(stdout, "Wrote %s\n", target)
	return 0
}
