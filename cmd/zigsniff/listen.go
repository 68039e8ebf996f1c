// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/zigsniff/pkg/zep"
)

func listenCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	addr := fs.String("addr", fmt.Sprintf(":%d", zep.Port), "UDP address to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "listening for ZEP on %s\n", conn.LocalAddr())
	return listen(ctx, conn, w)
}

// listen prints one line per datagram until ctx is done.
func listen(ctx context.Context, conn *net.UDPConn, w io.Writer) error {
	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		d, err := zep.Decode(buf[:n])
		if err != nil {
			fmt.Fprintf(w, "%s bad datagram (%d bytes): %v\n", from, n, err)
			continue
		}
		switch d.Type {
		case zep.TypeAck:
			fmt.Fprintf(w, "%s ack seq=%d\n", from, d.Seq)
		default:
			fmt.Fprintf(w, "%s data ch=%d seq=%d lqi=%d len=%d ts=%s\n",
				from, d.Channel, d.Seq, d.LQI, len(d.Payload), d.Timestamp.UTC().Format(time.RFC3339Nano))
		}
	}
	return nil
}
