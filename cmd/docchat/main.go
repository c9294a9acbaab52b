// Command docchat is the entry point for the document analysis assistant.
// It ingests uploaded files into a vector store and answers questions about
// them through a tool-calling LLM agent, all from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/caseworks/docchat-go/cmd/docchat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
