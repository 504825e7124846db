package main

import "github.com/ogulcanaydogan/budgetgate/internal/cli"

func main() {
	cli.Execute()
}
