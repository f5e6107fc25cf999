package main

import (
	"southwinds.dev/cardvault/cli/cmd"

	"github.com/awnumar/memguard"
)

func main() {
	// wipe enclaves on SIGINT/SIGTERM
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
