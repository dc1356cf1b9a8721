// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hrissan/evtls"
	"github.com/hrissan/evtls/evtlstcp"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:11111", "server address")
	psk := flag.String("psk", "echo demo secret", "pre-shared secret")
	flag.Parse()

	loop := evtlstcp.NewLoop()
	go loop.Run()
	defer loop.Stop()

	conn, err := evtls.DialTimeout(loop, *addr, &evtls.Config{PSK: []byte(*psk)}, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial failed:", err)
		os.Exit(1)
	}
	fmt.Println("connected; type lines to echo, press ctrl-d to quit")

	reply := bufio.NewReader(conn)
	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := stdin.Text() + "\n"
		if _, err = conn.Write([]byte(line)); err != nil {
			fmt.Fprintln(os.Stderr, "write failed:", err)
			break
		}
		echoed, err := reply.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr, "read failed:", err)
			break
		}
		fmt.Print("echo: ", echoed)
	}
	_ = conn.Close()
}
