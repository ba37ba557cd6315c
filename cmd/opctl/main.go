// Command opctl is the operation pipeline's operator CLI: it inspects and
// operates on a pipeline's durable state directly through its configured
// KV store, without going through the pipeline's own process.
package main

import (
	"github.com/viewfinder/oppipeline/cmd/opctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.Exit("%v", err)
	}
}
