package main

import (
	"fmt"
	"os"
	"time"

	"pulse/internal/config"
)

func main() {
	if err := newRootCmd(config.LoadCLIConfig(), time.Now).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
