// Command studio is a terminal client for the session server. It mirrors a
// session's workspace into a local directory and drives runs over the
// websocket endpoint.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
