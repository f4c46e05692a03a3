// Command galleonctl is a standalone tool for creating, inspecting, and
// repairing galleon volume images without booting a kernel that uses the
// AHCI driver in pkg/ahci (spec §4.7's "a CLI exercising every facade
// operation offline").
package main

import (
	"os"
)

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
