package main

import (
	"os"

	codexusagecmder "github.com/codexusage/codexusage/cmd/codexusage"
)

func main() {
	cmd := codexusagecmder.NewCodexUsageCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
