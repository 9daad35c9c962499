// jobctl inspects and drives a loadgen coordinator through its admin API.
//
// Usage:
//
//	jobctl [--server URL] list
//	jobctl [--server URL] show <identity>
//	jobctl [--server URL] schedule <identity> -- <command> [args...]
//	jobctl [--server URL] discard <identity>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/loadgen/internal/cluster"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("jobctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	server := flags.StringP("server", "s", envOr("LOADGEN_SERVER", defaultServer), "coordinator base URL")
	timeout := flags.Duration("timeout", 5*time.Second, "request timeout")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: jobctl [flags] list | show <identity> | schedule <identity> -- <command> [args...] | discard <identity>\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	base := strings.TrimRight(*server, "/")

	switch cmd, rest := rest[0], rest[1:]; cmd {
	case "list":
		return listCmd(ctx, base, out)
	case "show":
		if len(rest) != 1 {
			return errors.New("usage: show <identity>")
		}
		return showCmd(ctx, base, rest[0], out)
	case "schedule":
		if len(rest) < 2 {
			return errors.New("usage: schedule <identity> -- <command> [args...]")
		}
		job := rest[1:]
		if job[0] == "--" {
			job = job[1:]
		}
		if len(job) == 0 {
			return errors.New("missing job command")
		}
		req := cluster.ScheduleRequest{Command: job[0], Args: append([]string{}, job[1:]...)}
		if err := cluster.PostJSON(ctx, workerURL(base, rest[0])+"/schedule", req, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "scheduled %q on %s\n", req.Command, rest[0])
		return nil
	case "discard":
		if len(rest) != 1 {
			return errors.New("usage: discard <identity>")
		}
		if err := cluster.PostJSON(ctx, workerURL(base, rest[0])+"/discard", struct{}{}, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "discarded job on %s\n", rest[0])
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listCmd(ctx context.Context, base string, out io.Writer) error {
	var resp struct {
		Workers []cluster.WorkerInfo `json:"workers"`
	}
	if err := cluster.GetJSON(ctx, base+"/workers", &resp); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tONLINE\tPHASE\tCOMMAND\tLAST CONNECTED")
	for _, w := range resp.Workers {
		phase, command := "unknown", "-"
		if w.State != nil {
			phase = w.State.Phase()
			if w.State.Job != nil {
				command = strings.Join(append([]string{w.State.Job.Command}, w.State.Job.Args...), " ")
			}
		} else if w.NeedsWork {
			phase = "idle"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", w.Identity, w.Online, phase, command, w.LastConnected.Format(time.RFC3339))
	}
	return tw.Flush()
}

func showCmd(ctx context.Context, base, identity string, out io.Writer) error {
	var info cluster.WorkerInfo
	if err := cluster.GetJSON(ctx, workerURL(base, identity), &info); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func workerURL(base, identity string) string {
	return base + "/workers/" + url.PathEscape(identity)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
