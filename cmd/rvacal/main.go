// Package main provides the entry point for the rvacal CLI.
package main

import (
	"rvacal/internal/cli"
)

func main() {
	cli.Execute()
}
