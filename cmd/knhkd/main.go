package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mdzesseis/knhkd/internal/kernel"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("KNHK_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		} else {
			configFile = "/etc/knhkd/config.yaml"
		}
	}

	fmt.Printf("Using configuration file: %s\n", configFile)

	k, err := kernel.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create kernel: %v\n", err)
		os.Exit(1)
	}

	if err := k.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Kernel error: %v\n", err)
		os.Exit(1)
	}
}
