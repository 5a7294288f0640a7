// FireGrid CLI - Runs the fire-risk pipeline in process against an optional SQLite edge store
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
