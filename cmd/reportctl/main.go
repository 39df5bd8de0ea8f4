package main

import (
	"os"

	"github.com/austindbirch/harbor_report/cmd/reportctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
