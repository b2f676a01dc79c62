package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/intmax-network/validity-prover/app/prover"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := prover.Initialize(ctx)

	prover.Start(ctx, app)
}
