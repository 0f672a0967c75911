package main

import "ledger-sync/internal/cli"

func main() {
	cli.Execute()
}
