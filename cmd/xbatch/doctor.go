package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xbatch/internal/cli/config"
	"github.com/antonkrylov/xbatch/internal/job"
)

var doctorTools = []string{"ssh", "scp", "tar", "zstd"}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			fmt.Fprintf(out, "xbatch_executable=%s\n", strings.TrimSpace(exe))
			for _, tool := range doctorTools {
				p, err := exec.LookPath(tool)
				if err != nil {
					fmt.Fprintf(out, "tool_%s=missing\n", tool)
					continue
				}
				fmt.Fprintf(out, "tool_%s=%s\n", tool, p)
			}

			cfgPath := root.v.GetString("config")
			fmt.Fprintf(out, "config_path=%s\n", cfgPath)
			if !printConfig(out, cfgPath) {
				return nil
			}

			if err := root.prepare(); err != nil {
				fmt.Fprintf(out, "connection_error=%s\n", err.Error())
				return nil
			}
			conn := root.conn
			fmt.Fprintf(out, "resolved_context=%s\n", conn.ContextName)
			fmt.Fprintf(out, "resolved_target=%s port=%d\n", conn.Target(), conn.Port)
			fmt.Fprintf(out, "resolved_remote_base_path=%s\n", conn.RemoteBasePath)
			if !ping {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			opts, release, err := root.session(ctx)
			if err != nil {
				fmt.Fprintf(out, "ping_error=%s\n", err.Error())
				return nil
			}
			defer release()
			start := time.Now()
			if _, err := job.Open(ctx, opts); err != nil {
				fmt.Fprintf(out, "ping_error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintf(out, "ping=ok latency=%s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "also connect to the host and check the remote base path")
	return cmd
}

// printConfig reports the config file. It returns false when the file could
// not be parsed.
func printConfig(out io.Writer, cfgPath string) bool {
	cfg, err := cliconfig.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(out, "config_error=%s\n", err.Error())
		return false
	}
	if cfg == nil {
		fmt.Fprintln(out, "config_present=false")
		return true
	}
	fmt.Fprintln(out, "config_present=true")
	fmt.Fprintf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
	names := make([]string, 0, len(cfg.Contexts))
	for k := range cfg.Contexts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cfg.Contexts[name]
		if c == nil {
			continue
		}
		fmt.Fprintf(out, "context=%s host=%s user=%s port=%d base=%s partition=%s\n",
			name,
			strings.TrimSpace(c.Host),
			strings.TrimSpace(c.User),
			c.Port,
			strings.TrimSpace(c.RemoteBasePath),
			strings.TrimSpace(c.DefaultPartition),
		)
	}
	return true
}
