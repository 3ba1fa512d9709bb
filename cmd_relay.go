package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"lanpair/relay"
)

func init() {
	if _, err := parser.AddCommand("relay", "Run a standalone session relay", "", &cmdRelay{}); err != nil {
		panic(err)
	}
}

type cmdRelay struct {
	Host string `long:"host" description:"Bind host (all interfaces when empty)"`
	Port int    `long:"port" description:"TCP port (defaults to the configured discovery port)"`
}

func (c *cmdRelay) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	port := c.Port
	if port <= 0 {
		port = e.cfg.DiscoveryPort
	}

	server := relay.NewServer(relay.Config{Logger: e.log})
	if err := server.Start(net.JoinHostPort(c.Host, strconv.Itoa(port))); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			e.log.Warn(fmt.Sprintf("relay stop error: %v", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(Stdout, "Relay:           %s\n", server.Addr())
	fmt.Fprintln(Stdout, "Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Fprintln(Stdout, "Status:          shutting down")
	return nil
}
