package main

import (
	"fmt"
	"os"
	"sort"
)

func printUsage(verbs map[string]verb) {
	fmt.Fprintf(os.Stderr, "casbuild [-flags] <command> [<args>]\n\n")
	names := make([]string, 0, len(verbs))
	for n := range verbs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "\t%-14s %s\n", n, verbs[n].help)
	}
}
