// Command clinicsync drives the offline sync of a clinic workstation from
// the terminal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cowebsLB/dental-clinic-software-system/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
