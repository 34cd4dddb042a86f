package main

import "arbiter-escrow/internal/cli"

func main() {
	cli.Execute()
}
