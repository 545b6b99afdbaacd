// Package main provides the MetaPatch CLI tool.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := BuildRoot().Execute(); err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(os.Stderr, "\n错误: %v\n\n", err)
		os.Exit(1)
	}
}
