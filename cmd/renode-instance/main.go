// Command renode-instance is the emulator agent: spawned by
// cmd/renode-ws-proxy as a child process, it reads NDJSON requests from
// stdin and writes NDJSON responses/events to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/antmicro/renode-ws-proxy/internal/agent"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := agent.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := agent.New(log.WithField("component", "agent"), cfg)
	if err := a.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.WithError(err).Error("agent exited with error")
		os.Exit(1)
	}
}
