package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	memcache "github.com/pior/memcache-binary"
)

var (
	servers   []string
	timeout   time.Duration
	ttl       time.Duration
	itemFlags uint32
)

// clientCommands returns the commands talking to running servers.
func clientCommands() []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:   "get KEY...",
			Short: "Print the values stored under the keys",
			Args:  cobra.MinimumNArgs(1),
			RunE:  withClient(runGet),
		},
		{
			Use:   "set KEY VALUE",
			Short: "Store a value",
			Args:  cobra.ExactArgs(2),
			RunE:  withClient(runSet),
		},
		{
			Use:   "delete KEY",
			Short: "Delete a key",
			Args:  cobra.ExactArgs(1),
			RunE:  withClient(runDelete),
		},
		{
			Use:   "incr KEY DELTA",
			Short: "Increment a counter",
			Args:  cobra.ExactArgs(2),
			RunE:  withClient(runCounter(true)),
		},
		{
			Use:   "decr KEY DELTA",
			Short: "Decrement a counter, stopping at zero",
			Args:  cobra.ExactArgs(2),
			RunE:  withClient(runCounter(false)),
		},
		{
			Use:   "stats [GROUP]",
			Short: "Print the statistics of every server",
			Args:  cobra.MaximumNArgs(1),
			RunE:  withClient(runStats),
		},
		{
			Use:   "ping",
			Short: "Send a NOOP to every server",
			Args:  cobra.NoArgs,
			RunE:  withClient(runPing),
		},
		{
			Use:   "server-version",
			Short: "Print the version of every server",
			Args:  cobra.NoArgs,
			RunE:  withClient(runVersions),
		},
		{
			Use:   "flush",
			Short: "Invalidate every item of every server",
			Args:  cobra.NoArgs,
			RunE:  withClient(runFlush),
		},
	}

	for _, cmd := range cmds {
		f := cmd.Flags()
		f.StringSliceVarP(&servers, "server", "s", []string{"127.0.0.1:11211"}, "Server addresses")
		f.DurationVar(&timeout, "timeout", 5*time.Second, "Timeout of the whole command")
		switch cmd.Name() {
		case "set":
			f.DurationVar(&ttl, "ttl", 0, "Time to live, none when 0")
			f.Uint32Var(&itemFlags, "flags", 0, "Client flags stored with the value")
		case "incr", "decr":
			f.DurationVar(&ttl, "ttl", 0, "Time to live of a created counter")
		case "flush":
			f.DurationVar(&ttl, "delay", 0, "Flush after this delay")
		}
	}
	return cmds
}

type clientFunc func(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error

func withClient(fn clientFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := memcache.NewClient(memcache.NewStaticServers(servers...), memcache.Config{MaxSize: 1})
		if err != nil {
			return err
		}
		defer client.Close()

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		return fn(ctx, cmd, client, args)
	}
}

func runGet(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	results, err := client.GetMulti(ctx, args)
	if err != nil {
		return err
	}
	for _, key := range args {
		r, ok := results[key]
		if !ok || !r.Found {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not found\n", key)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (flags=%d cas=%d): %s\n", key, r.Flags, r.CAS, r.Value)
	}
	return nil
}

func runSet(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	cas, err := client.Set(ctx, memcache.Item{Key: args[0], Value: []byte(args[1]), Flags: itemFlags, TTL: ttl})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored (cas=%d)\n", cas)
	return nil
}

func runDelete(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	if err := client.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "deleted")
	return nil
}

func runCounter(incr bool) clientFunc {
	return func(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
		delta, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}

		op := client.Increment
		if !incr {
			op = client.Decrement
		}
		value, err := op(ctx, args[0], delta, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	}
}

func runStats(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	group := ""
	if len(args) > 0 {
		group = args[0]
	}
	all, err := client.ServerStats(ctx, group)
	if err != nil {
		return err
	}
	for _, addr := range sortedKeys(all) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", addr)
		stats := all[addr]
		for _, key := range sortedKeys(stats) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", key, stats[key])
		}
	}
	return nil
}

func runPing(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	if err := client.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "pong")
	return nil
}

func runVersions(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	versions, err := client.Versions(ctx)
	if err != nil {
		return err
	}
	for _, addr := range sortedKeys(versions) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", addr, versions[addr])
	}
	return nil
}

func runFlush(ctx context.Context, cmd *cobra.Command, client *memcache.Client, args []string) error {
	if err := client.Flush(ctx, ttl); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "flushed")
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
