package main

import (
	"os"

	"github.com/punchamoorthee/vpnledger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
