package main

import "github.com/gobwas/glob"

// compileFilter compiles pattern into a glob.Glob, or returns a nil matcher
// (meaning "match everything") when pattern is empty.
func compileFilter(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, nil
	}
	return glob.Compile(pattern)
}
