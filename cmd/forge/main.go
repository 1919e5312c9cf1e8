// Forge drives the execution lifecycle of coding-agent task attempts.
// It spawns sandboxed processes, tracks their lifecycle in SQLite, and
// projects their output as diffs and messages for a controlling client.
package main

import (
	"os"
	"runtime/debug"

	"github.com/dotcommander/forge/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
