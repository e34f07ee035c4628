package main

import (
	"os"

	"github.com/ternarybob/polymer/internal/common"
)

func main() {
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
