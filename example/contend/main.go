// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Contend hammers a lock tree from many goroutines and reports
// throughput, as a smoke test for lock fairness and reclamation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atakama/go-hilok/hilok"
)

func randPath(rng *rand.Rand, depth, fanout int) string {
	n := 1 + rng.Intn(depth)
	segs := make([]string, n)
	for i := range segs {
		segs[i] = fmt.Sprintf("d%d", rng.Intn(fanout))
	}
	return "/" + strings.Join(segs, "/")
}

func main() {
	workers := flag.Int("workers", 8, "concurrent goroutines")
	ops := flag.Int("ops", 10000, "operations per goroutine")
	depth := flag.Int("depth", 5, "maximum path depth")
	fanout := flag.Int("fanout", 3, "distinct names per level")
	writePct := flag.Int("writepct", 10, "percentage of write locks")
	renamePct := flag.Int("renamepct", 1, "percentage of renames")
	strict := flag.Bool("strict", false, "refuse writes over locked subtrees")
	debug := flag.Bool("debug", false, "dump the tree when done")
	flag.Parse()

	t := hilok.New(&hilok.Options{Strict: *strict})

	var reads, writes, renames, busy int64
	start := time.Now()

	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		rng := rand.New(rand.NewSource(int64(w) + 1))
		g.Go(func() error {
			ctx := context.Background()
			for i := 0; i < *ops; i++ {
				p := randPath(rng, *depth, *fanout)
				switch n := rng.Intn(100); {
				case n < *renamePct:
					dst := randPath(rng, *depth, *fanout)
					if err := t.TryRename(p, dst); err != nil {
						atomic.AddInt64(&busy, 1)
					} else {
						atomic.AddInt64(&renames, 1)
					}
				case n < *renamePct+*writePct:
					tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
					h, err := t.Write(tctx, p)
					cancel()
					if err != nil {
						atomic.AddInt64(&busy, 1)
						continue
					}
					atomic.AddInt64(&writes, 1)
					h.Release()
				default:
					h, err := t.Read(ctx, p)
					if err != nil {
						return err
					}
					atomic.AddInt64(&reads, 1)
					h.Release()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("worker failed: %v", err)
	}

	elapsed := time.Since(start)
	total := reads + writes + renames
	log.Printf("%d ops in %v (%.0f ops/s): %d reads, %d writes, %d renames, %d busy",
		total, elapsed, float64(total)/elapsed.Seconds(), reads, writes, renames, busy)
	if *debug {
		fmt.Print(t.String())
	}
}
