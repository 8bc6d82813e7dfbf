package main

import (
	"flag"
	"fmt"
	"os"

	"spreadarb/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (empty runs simulated defaults)")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
