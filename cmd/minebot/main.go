package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"minebot/bot"
)

func main() {
	err := bot.RunMain(context.Background(), bot.RunConfig{
		Program:   "minebot",
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Args:      os.Args[1:],
		DebugAddr: ":4419",
		DataDir:   "./data",
	})
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case bot.IsSignalError(err):
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
