// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/hrissan/evtls"
	"github.com/hrissan/evtls/evtlstcp"
	"golang.org/x/sync/errgroup"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:11111", "listen address")
	psk := flag.String("psk", "echo demo secret", "pre-shared secret")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	loop := evtlstcp.NewLoop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run()
		return nil
	})

	ln, err := evtls.Listen(loop, *addr, &evtls.Config{PSK: []byte(*psk), Log: log})
	if err != nil {
		log.Error("listen failed", "err", err)
		os.Exit(1)
	}
	log.Info("echo server listening", "addr", ln.Addr())

	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		loop.Stop()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil // listener closed
			}
			log.Info("session established", "peer", conn.RemoteAddr())
			go func() {
				n, err := io.Copy(conn, conn)
				log.Info("session finished", "peer", conn.RemoteAddr(), "bytes", n, "err", err)
				_ = conn.Close()
			}()
		}
	})
	_ = g.Wait()
}
