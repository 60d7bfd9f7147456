// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// echoserver is a minimal demonstration of the Server facade: it echoes
// every message back to the connection that sent it, and logs connects,
// disconnects, and the size of each received message to stdout.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/momentics/reactorcore/buffer"
	"github.com/momentics/reactorcore/conn"
	"github.com/momentics/reactorcore/eventloop"
	"github.com/momentics/reactorcore/server"
)

func main() {
	addr := flag.String("addr", ":9002", "address to listen on")
	threads := flag.Int("threads", runtime.NumCPU(), "number of I/O worker loops")
	pin := flag.Bool("pin", false, "pin each worker loop to a distinct CPU core")
	flag.Parse()

	ready := make(chan *eventloop.EventLoop, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		loop, err := eventloop.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "[echoserver] eventloop.New: %v\n", err)
			os.Exit(1)
		}
		ready <- loop
		loop.Run()
	}()
	baseLoop := <-ready

	cfg := server.DefaultConfig("echo", *addr)
	cfg.ThreadNum = *threads
	cfg.PinWorkers = *pin

	srv, err := server.New(baseLoop, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[echoserver] server.New: %v\n", err)
		os.Exit(1)
	}

	srv.SetConnectionCallback(func(c *conn.Connection) {
		if c.Connected() {
			fmt.Printf("[echoserver] %s connected (peer %s)\n", c.Name(), c.PeerAddr())
		} else {
			fmt.Printf("[echoserver] %s disconnected\n", c.Name())
		}
	})
	srv.SetMessageCallback(func(c *conn.Connection, buf *buffer.Buffer, _ time.Time) {
		msg := buf.RetrieveAllAsString()
		fmt.Printf("[echoserver] %s sent %d bytes\n", c.Name(), len(msg))
		c.Send([]byte(msg))
	})

	srv.Start()
	fmt.Printf("[echoserver] listening on %s with %d worker loops\n", *addr, *threads)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("[echoserver] shutting down")
	srv.Stop()
	deadline := time.Now().Add(5 * time.Second)
	for srv.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	baseLoop.Quit()
}
