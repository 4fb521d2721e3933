package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	app := newApplication(os.Stdout, os.Stderr)
	err := app.execute(os.Args[1:])
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "hexactl: %v\n", exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "hexactl: %v\n", err)
	os.Exit(1)
}
