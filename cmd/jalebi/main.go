package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/jalebi/internal/cli/receiver"
	"github.com/sheerbytes/jalebi/internal/cli/sender"
	"github.com/sheerbytes/jalebi/internal/config"
	"github.com/sheerbytes/jalebi/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer termio.Flush()
	stdout, stderr := termio.Stdout(), termio.Stderr()
	if len(args) == 0 {
		printUsage()
		return 2
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "share", "send":
		return sender.Run(ctx, args[1:], stdout, stderr)
	case "receive", "recv":
		return receiver.Run(ctx, args[1:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "jalebi %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: jalebi <command> [args]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  share    offer files under a 4-digit code")
	fmt.Fprintln(w, "  receive  download files from a code or share link")
	fmt.Fprintln(w, "  version  print the version")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  jalebi share <path1> <path2>...")
	fmt.Fprintln(w, "  jalebi receive 4821 --out ./downloads")
	fmt.Fprintln(w, "  jalebi receive https://jalebi.example/receive/4821")
	fmt.Fprintln(w, "environment: JALEBI_SERVER_URL, JALEBI_TRANSPORT, JALEBI_WINDOW, ... (also read from .env)")
}
