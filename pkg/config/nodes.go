// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// NodeFile is the content of the legacy registry file:
//
//	nodes=1,2,3
//	channels=11,15,20
type NodeFile struct {
	Nodes    []int
	Channels []int
}

// ParseNodeFile reads key=value lines. Blank lines, # comments and unknown
// keys are skipped; a later line for the same key replaces the earlier one.
func ParseNodeFile(r io.Reader) (NodeFile, error) {
	var nf NodeFile
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		var target *[]int
		switch strings.TrimSpace(key) {
		case "nodes":
			target = &nf.Nodes
		case "channels":
			target = &nf.Channels
		default:
			continue
		}
		list, err := ParseIntList(value)
		if err != nil {
			return NodeFile{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		*target = list
	}
	if err := sc.Err(); err != nil {
		return NodeFile{}, err
	}
	return nf, nil
}

// ParseIntList parses a comma-separated list of integers. Empty elements
// are ignored.
func ParseIntList(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", tok)
		}
		out = append(out, n)
	}
	return out, nil
}

// LoadNodeFile parses the legacy registry file at path. A missing file
// yields an empty NodeFile.
func LoadNodeFile(path string) (NodeFile, error) {
	if path == "" {
		return NodeFile{}, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NodeFile{}, nil
	}
	if err != nil {
		return NodeFile{}, fmt.Errorf("open node file: %w", err)
	}
	defer f.Close()

	nf, err := ParseNodeFile(f)
	if err != nil {
		return NodeFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return nf, nil
}

// ResolveNodeLists picks each list from the first source that provides
// it: the command line, the inline registry lists, then the legacy file.
func (c *Config) ResolveNodeLists(cliNodes, cliChannels []int) (nodes, channels []int, err error) {
	nodes, channels = cliNodes, cliChannels
	if len(nodes) == 0 {
		nodes = c.Registry.Nodes
	}
	if len(channels) == 0 {
		channels = c.Registry.Channels
	}
	if len(nodes) > 0 && len(channels) > 0 {
		return nodes, channels, nil
	}

	nf, err := LoadNodeFile(c.Registry.File)
	if err != nil {
		return nil, nil, err
	}
	if len(nodes) == 0 {
		nodes = nf.Nodes
	}
	if len(channels) == 0 {
		channels = nf.Channels
	}
	return nodes, channels, nil
}
