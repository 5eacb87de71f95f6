// Package dbg provides a leveled debug print gated by an environment
// variable, the way mit-pdos-go-journal's util.DPrintf gates trace output
// by a package constant. Off by default; never on the fast path's error
// return values.
package dbg

import (
	"log"
	"os"
	"strconv"
)

var level = parseLevel()

func parseLevel() int {
	v := os.Getenv("COREFS_DEBUG")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Printf logs format/args when the COREFS_DEBUG environment variable is
// set to a value >= lvl.
func Printf(lvl int, format string, args ...interface{}) {
	if lvl <= level {
		log.Printf(format, args...)
	}
}
