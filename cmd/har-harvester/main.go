package main

import (
	"os"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
