package main

import (
	"os"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/injektor/internal/logging"
)

func main() {
	err := rootCmd.Execute()
	code := exitCode(err)
	if err != nil {
		level.Error(logging.Stderr("info")).Log("msg", "failed", "err", err, "exit", code)
	}
	os.Exit(code)
}
