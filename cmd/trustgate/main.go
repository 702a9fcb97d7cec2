package main

import "trust-gate/internal/cli"

func main() {
	cli.Execute()
}
