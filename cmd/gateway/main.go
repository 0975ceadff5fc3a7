// Command gateway runs the aipipe reverse-proxy gateway.
package main

import (
	"fmt"
	"os"

	"github.com/aipipe/gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
