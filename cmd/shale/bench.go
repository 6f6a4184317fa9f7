// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/shaledb/shale"
	"github.com/shaledb/shale/asyncdb"
	"github.com/shaledb/shale/bloom"
	"github.com/shaledb/shale/db"
	"github.com/shaledb/shale/scheduler"
)

func errUnknownBench(name string) error {
	return errors.Newf("unknown benchmark %q (expected mixed or diskread)", name)
}

func benchOptions() *db.Options {
	return &db.Options{
		CreateIfMissing: true,
		FilterPolicy:    bloom.FilterPolicy(10),
		WriteBufferSize: benchConfig.writeBufferSize,
	}
}

func benchDir() (string, func(), error) {
	if benchConfig.dir != "" {
		return benchConfig.dir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "shale-bench")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func writeOptions() *db.WriteOptions {
	if benchConfig.sync {
		return db.Sync
	}
	return db.NoSync
}

func newRateLimiter() *tokenbucket.TokenBucket {
	if benchConfig.rate <= 0 {
		return nil
	}
	tb := &tokenbucket.TokenBucket{}
	tb.Init(tokenbucket.TokensPerSecond(benchConfig.rate), tokenbucket.Tokens(benchConfig.rate))
	return tb
}

func benchKey(dst []byte, i int) []byte {
	return append(dst[:0], fmt.Sprintf("key%012d", i)...)
}

func randomValue(rng *rand.Rand, n int) []byte {
	v := make([]byte, n)
	const letters = "abcdefghijklmnopqrstuvwxyz"
	for i := range v {
		v[i] = letters[rng.Intn(len(letters))]
	}
	return v
}

// prefill loads the key space so that reads during the timed rounds have
// something to find.
func prefill(d *shale.DB, keys int) error {
	rng := rand.New(rand.NewSource(1))
	wopts := db.NoSync
	var batch shale.Batch
	for i := 0; i < keys; i++ {
		batch.Set(benchKey(nil, i), randomValue(rng, benchConfig.valueSize))
		if batch.ApproximateSize() >= 64<<10 {
			if err := d.Apply(&batch, wopts); err != nil {
				return err
			}
			batch.Clear()
		}
	}
	if !batch.Empty() {
		return d.Apply(&batch, wopts)
	}
	return nil
}

// runMixed runs rounds of a read/write mix across the configured number of
// clients and reports per-operation latency.
func runMixed() error {
	dir, cleanup, err := benchDir()
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := shale.Open(dir, benchOptions())
	if err != nil {
		return err
	}
	defer d.Close()

	if err := prefill(d, benchConfig.ops); err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	var ad *asyncdb.DB
	if benchConfig.async {
		sched = scheduler.New(benchConfig.workers)
		defer sched.Shutdown()
		ad = asyncdb.Wrap(sched, d)
	}

	reg := newHistogramRegistry()
	readHist := reg.Register("read")
	writeHist := reg.Register("write")
	limiter := newRateLimiter()
	wopts := writeOptions()

	start := time.Now()
	for round := 0; round < benchConfig.rounds; round++ {
		var g errgroup.Group
		opsPerClient := benchConfig.ops / benchConfig.clients
		for c := 0; c < benchConfig.clients; c++ {
			c := c
			g.Go(func() error {
				rng := rand.New(rand.NewSource(uint64(round*benchConfig.clients + c)))
				var key []byte
				for i := 0; i < opsPerClient; i++ {
					if limiter != nil {
						if err := limiter.WaitCtx(context.Background(), 1); err != nil {
							return err
						}
					}
					key = benchKey(key, rng.Intn(benchConfig.ops))
					read := rng.Float64() < benchConfig.readRatio
					begin := time.Now()
					var err error
					switch {
					case read && ad != nil:
						_, err = ad.Get(key, nil).Wait()
					case read:
						_, err = d.Get(key, nil)
					case ad != nil:
						_, err = ad.Set(key, randomValue(rng, benchConfig.valueSize), wopts).Wait()
					default:
						err = d.Set(key, randomValue(rng, benchConfig.valueSize), wopts)
					}
					if err != nil && !errors.Is(err, db.ErrNotFound) {
						return err
					}
					if read {
						readHist.Record(time.Since(begin))
					} else {
						writeHist.Record(time.Since(begin))
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	reg.Report(os.Stdout, time.Since(start))
	return nil
}

// runDiskRead measures read latency against on-disk tables only: the store
// is populated, then reopened so that no entry remains in a memtable.
func runDiskRead() error {
	dir, cleanup, err := benchDir()
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := shale.Open(dir, benchOptions())
	if err != nil {
		return err
	}
	if err := prefill(d, benchConfig.ops); err != nil {
		d.Close()
		return err
	}
	if err := d.Flush(); err != nil {
		d.Close()
		return err
	}
	if err := d.Close(); err != nil {
		return err
	}

	d, err = shale.Open(dir, benchOptions())
	if err != nil {
		return err
	}
	defer d.Close()

	reg := newHistogramRegistry()
	readHist := reg.Register("read")
	limiter := newRateLimiter()

	start := time.Now()
	var g errgroup.Group
	opsPerClient := benchConfig.ops * benchConfig.rounds / benchConfig.clients
	for c := 0; c < benchConfig.clients; c++ {
		c := c
		g.Go(func() error {
			rng := rand.New(rand.NewSource(uint64(c)))
			var key []byte
			for i := 0; i < opsPerClient; i++ {
				if limiter != nil {
					if err := limiter.WaitCtx(context.Background(), 1); err != nil {
						return err
					}
				}
				key = benchKey(key, rng.Intn(benchConfig.ops))
				begin := time.Now()
				if _, err := d.Get(key, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
					return err
				}
				readHist.Record(time.Since(begin))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	reg.Report(os.Stdout, time.Since(start))
	return nil
}
