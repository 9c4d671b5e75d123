// Command rpmctl uploads packages to contentd in resumable chunks and runs
// bulk content workflows (remove, copy, search, export) against its RPC service.
//
// Usage:
//
//	rpmctl [-config rpmctl.yaml] <command> [flags] [args]
//
// Commands:
//
//	upload   start and run uploads for files, or a file-less unit such as an erratum
//	resume   continue interrupted uploads
//	cancel   abort uploads and discard their state
//	list     show uploads that can still make progress
//	status   show one upload, locally and on the server
//	remove   remove matching units from a repository
//	copy     copy matching units between repositories
//	search   print matching units
//	export   write matching units to a JSON lines file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"upload": {"start and run uploads for files, or a file-less unit such as an erratum", runUpload},
	"resume": {"continue interrupted uploads", runResume},
	"cancel": {"abort uploads and discard their state", runCancel},
	"list":   {"show uploads that can still make progress", runList},
	"status": {"show one upload, locally and on the server", runStatus},
	"remove": {"remove matching units from a repository", runRemove},
	"copy":   {"copy matching units between repositories", runCopy},
	"search": {"print matching units", runSearch},
	"export": {"write matching units to a JSON lines file", runExport},
}

var commandOrder = []string{"upload", "resume", "cancel", "list", "status", "remove", "copy", "search", "export"}

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	out     io.Writer
	metrics *metrics.Metrics
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("RPMCTL_CONFIG"), "path to config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		return 2
	}
	name := flag.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "rpmctl: unknown command %q\n", name)
		usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rpmctl: %v\n", err)
		return 1
	}
	logger.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	a := &app{cfg: cfg, out: os.Stdout}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(prometheus.DefaultRegisterer)
		shutdown := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		defer shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.run(ctx, a, flag.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "rpmctl %s: %v\n", name, err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rpmctl [-config file] <command> [flags] [args]\n\ncommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nglobal flags:\n")
	flag.PrintDefaults()
}

// pairList collects repeated key=value flags.
type pairList []string

func (p *pairList) String() string {
	return strings.Join(*p, ",")
}

func (p *pairList) Set(v string) error {
	*p = append(*p, v)
	return nil
}
