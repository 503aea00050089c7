// Package main is the single-binary entrypoint for an Atmosphere mesh node.
package main

import "github.com/atmosphere-mesh/atmosphere/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
