// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var benchConfig struct {
	clients         int
	workers         int
	rounds          int
	ops             int
	valueSize       int
	writeBufferSize int
	readRatio       float64
	sync            bool
	async           bool
	rate            int
	dir             string
}

var rootCmd = &cobra.Command{
	Use:   "shale [command] (flags)",
	Short: "shale benchmarking tool",
}

var benchCmd = &cobra.Command{
	Use:   "bench <mixed|diskread>",
	Short: "run a benchmark workload against a store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		switch args[0] {
		case "mixed":
			return runMixed()
		case "diskread":
			return runDiskRead()
		}
		cmd.SilenceUsage = false
		return errUnknownBench(args[0])
	},
}

func main() {
	log.SetFlags(0)

	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVar(
		&benchConfig.clients, "clients", 1, "number of concurrent clients")
	benchCmd.Flags().IntVar(
		&benchConfig.workers, "workers", 0, "scheduler worker count (async mode)")
	benchCmd.Flags().IntVar(
		&benchConfig.rounds, "rounds", 1, "number of timed rounds")
	benchCmd.Flags().IntVar(
		&benchConfig.ops, "ops", 100000, "operations per round")
	benchCmd.Flags().IntVar(
		&benchConfig.valueSize, "value-size", 100, "size of values in bytes")
	benchCmd.Flags().IntVar(
		&benchConfig.writeBufferSize, "write-buffer-size", 4<<20, "memtable size that triggers a flush")
	benchCmd.Flags().Float64Var(
		&benchConfig.readRatio, "read-ratio", 0.5, "fraction of operations that are reads")
	benchCmd.Flags().BoolVar(
		&benchConfig.sync, "sync", false, "sync the log on every write")
	benchCmd.Flags().BoolVar(
		&benchConfig.async, "async", false, "run operations as scheduler tasks")
	benchCmd.Flags().IntVar(
		&benchConfig.rate, "rate", 0, "operations per second limit (0 for unlimited)")
	benchCmd.Flags().StringVar(
		&benchConfig.dir, "dir", "", "store directory (a temporary directory if empty)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
