// Package main is the entry point of k6bridge.
package main

import "github.com/liuxd6825/k6bridge/cmd"

func main() {
	cmd.Execute()
}
