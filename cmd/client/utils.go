package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %s\n", red("ERROR"), err)
}

// kv prints an aligned "key  value" line.
func kv(w io.Writer, key string, value any) {
	fmt.Fprintf(w, "%s %v\n", cyan(fmt.Sprintf("%-10s", key)), value)
}
