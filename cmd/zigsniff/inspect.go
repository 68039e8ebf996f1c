// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/pcapgo"
	"github.com/mbeema/zigsniff/pkg/device"
	"github.com/mbeema/zigsniff/pkg/pcapng"
	"github.com/mbeema/zigsniff/pkg/tap"
)

func inspectCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	limit := fs.Int("n", 0, "list at most n packets (0 lists all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: zigsniff inspect [-n count] <file.pcapng>")
	}
	return inspect(w, fs.Arg(0), *limit)
}

type blockSummary struct {
	sections, interfaces, packets int
	truncatedAt                   int64 // -1 when the file ends on a block boundary
}

// scanBlocks walks the block structure and tolerates a partial last block.
func scanBlocks(r io.Reader) (blockSummary, error) {
	sum := blockSummary{truncatedAt: -1}
	sc := pcapng.NewScanner(r)
	for sc.Next() {
		switch sc.Block().Type {
		case pcapng.BlockTypeSHB:
			sum.sections++
		case pcapng.BlockTypeIDB:
			sum.interfaces++
		case pcapng.BlockTypeEPB:
			sum.packets++
		}
	}
	if err := sc.Err(); err != nil {
		if !errors.Is(err, pcapng.ErrTruncated) {
			return sum, err
		}
		sum.truncatedAt = sc.Offset()
	}
	return sum, nil
}

func inspect(w io.Writer, path string, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, err := scanBlocks(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(w, "%s: %d section(s), %d interface(s), %d packet(s)\n",
		path, sum.sections, sum.interfaces, sum.packets)
	if sum.truncatedAt >= 0 {
		fmt.Fprintf(w, "warning: partial block at offset %d ignored\n", sum.truncatedAt)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	for i := 0; i < sum.packets && (limit <= 0 || i < limit); i++ {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		fmt.Fprintf(w, "%5d %s if=%d %s\n",
			i, ci.Timestamp.UTC().Format("15:04:05.000000"), ci.InterfaceIndex, describeTAP(data))
	}
	return nil
}

// describeTAP summarizes a TAP record. The frame length includes up to
// three bytes of alignment padding, which the record does not delimit.
func describeTAP(rec []byte) string {
	_, opts, rest, err := tap.Decode(rec)
	if err != nil {
		return fmt.Sprintf("undecodable tap record (%d bytes): %v", len(rec), err)
	}

	desc := ""
	if o, ok := tap.Find(opts, tap.OptChannelAssignment); ok {
		if ch, page, ok := tap.ChannelOf(o); ok {
			desc += fmt.Sprintf("ch=%d page=%d ", ch, page)
		}
	}
	if o, ok := tap.Find(opts, tap.OptRSS); ok && len(o.Value) >= 4 {
		desc += fmt.Sprintf("lqi=%d ", binary.LittleEndian.Uint32(o.Value))
	}
	frame := device.Frame{Payload: rest}
	return desc + fmt.Sprintf("type=%s len<=%d", frame.Type(), len(rest))
}
