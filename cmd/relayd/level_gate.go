package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
)

var levelRanks = map[string]int32{
	"trace": 0, "trc": 0,
	"debug": 1, "dbg": 1,
	"info": 2, "inf": 2,
	"warn": 3, "wrn": 3, "warning": 3,
	"error": 4, "err": 4,
	"fatal": 5, "ftl": 5,
	"panic": 6, "pnc": 6,
}

// levelGate drops structured log lines below a threshold that can change at
// runtime. Lines it cannot parse pass through.
type levelGate struct {
	out       io.Writer
	threshold atomic.Int32
}

func newLevelGate(out io.Writer, level string) *levelGate {
	g := &levelGate{out: out}
	if !g.SetLevel(level) {
		g.SetLevel("info")
	}
	return g
}

// SetLevel changes the threshold. It reports false for unknown levels and
// leaves the threshold unchanged.
func (g *levelGate) SetLevel(level string) bool {
	rank, ok := levelRanks[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return false
	}
	g.threshold.Store(rank)
	return true
}

func (g *levelGate) Write(p []byte) (int, error) {
	threshold := g.threshold.Load()
	if threshold == 0 {
		return g.out.Write(p)
	}
	var kept []byte
	for line := range bytes.SplitSeq(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		if lineRank(line) < threshold {
			continue
		}
		kept = append(kept, line...)
		kept = append(kept, '\n')
	}
	if len(kept) > 0 {
		if _, err := g.out.Write(kept); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func lineRank(line []byte) int32 {
	var entry struct {
		Lvl string `json:"lvl"`
	}
	if err := json.Unmarshal(line, &entry); err != nil || entry.Lvl == "" {
		return int32(len(levelRanks))
	}
	rank, ok := levelRanks[strings.ToLower(entry.Lvl)]
	if !ok {
		return int32(len(levelRanks))
	}
	return rank
}
