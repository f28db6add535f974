package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tebeka/atexit"

	"github.com/miretskiy/pistongas/simulator"
)

func main() {
	code := 0
	if err := newRootCmd(&options{}).Execute(); err != nil {
		code = exitCode(err)
	}
	atexit.Exit(code)
}

// exitCode maps a run error to the process exit status. Consistency failures
// are bugs in the engine and get their own code and a full state dump.
func exitCode(err error) int {
	var ce *simulator.ConsistencyError
	if errors.As(err, &ce) {
		fmt.Fprint(os.Stderr, ce.Dump())
		return 2
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
