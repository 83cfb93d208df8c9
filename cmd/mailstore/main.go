// The mailstore command manages mailbox stores from the command line.
//
//	mailstore [flags] owners
//	mailstore [flags] create OWNER MAILBOX
//	mailstore [flags] list OWNER
//	mailstore [flags] append OWNER MAILBOX [FILE [FLAG...]]
//	mailstore [flags] fetch OWNER MAILBOX UIDSET
//	mailstore [flags] flags OWNER MAILBOX UIDSET (+|-|=)FLAG...
//	mailstore [flags] expunge OWNER MAILBOX
//	mailstore [flags] search OWNER MAILBOX [TERM...]
//	mailstore [flags] rename OWNER OLD NEW
//	mailstore [flags] delete OWNER MAILBOX
//	mailstore [flags] watch
//
// Settings are read from the -config file, a .env file and
// MAILSTORE_* environment variables, in that order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/boxmgmt"
	"github.com/mihaisoloi/james-mailbox-sub001/config"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/mailstore"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/search"
	"github.com/mihaisoloi/james-mailbox-sub001/tracker"
	"github.com/mihaisoloi/james-mailbox-sub001/watch"
)

var errUsage = errors.New("usage")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] command [args]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flagConfig := flag.String("config", "", "YAML configuration file")
	flagEnv := flag.String("env", ".env", "environment file, ignored if missing")
	flagDebugAddr := flag.String("debug_addr", "", "address for metrics HTTP while watching")
	flagVerbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(*flagEnv); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}
	if *flagVerbose {
		cfg.Log.Level = "debug"
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}
	defer log.Sync()

	opts, err := cfg.BoxOptions()
	if err != nil {
		log.Fatal("backend options", zap.Error(err))
	}
	opts.Log = log
	bm, err := boxmgmt.New(opts)
	if err != nil {
		log.Fatal("opening stores", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd := &command{bm: bm, cfg: cfg, log: log, out: os.Stdout, debugAddr: *flagDebugAddr}
	err = cmd.run(ctx, flag.Arg(0), flag.Args()[1:])
	stop()
	if cerr := bm.Close(); err == nil {
		err = cerr
	}
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", os.Args[0], flag.Arg(0), err)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", os.Args[0], flag.Arg(0), err)
		os.Exit(1)
	}
}

type command struct {
	bm        *boxmgmt.BoxMgmt
	cfg       *config.Config
	log       *zap.Logger
	out       io.Writer
	debugAddr string
}

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

func (c *command) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "owners":
		owners, err := c.bm.Owners()
		if err != nil {
			return err
		}
		for _, owner := range owners {
			fmt.Fprintln(c.out, owner)
		}
		return nil
	case "watch":
		return c.watch(ctx)
	}

	if len(args) < 1 {
		return usage("missing OWNER")
	}
	s, err := c.bm.Open(ctx, args[0])
	if err != nil {
		return err
	}
	owner := args[0]
	args = args[1:]

	switch name {
	case "list":
		return c.list(ctx, s, owner)
	case "create":
		if len(args) != 1 {
			return usage("create OWNER MAILBOX")
		}
		info, err := s.Create(ctx, mailbox.NewPath(owner, args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "created %s uidvalidity=%d\n", info.Path.Name, info.UIDValidity)
		return nil
	case "append":
		return c.append(ctx, s, owner, args)
	case "fetch":
		if len(args) != 2 {
			return usage("fetch OWNER MAILBOX UIDSET")
		}
		return c.fetch(ctx, s, mailbox.NewPath(owner, args[0]), args[1])
	case "flags":
		return c.flags(ctx, s, owner, args)
	case "expunge":
		if len(args) != 1 {
			return usage("expunge OWNER MAILBOX")
		}
		uids, err := s.Expunge(ctx, mailbox.NewPath(owner, args[0]), msgrange.All())
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "expunged %s\n", msgrange.Format(msgrange.ToRanges(uids)))
		return nil
	case "search":
		if len(args) < 1 {
			return usage("search OWNER MAILBOX [TERM...]")
		}
		q, err := search.ParseQuery(args[1:])
		if err != nil {
			return err
		}
		res, err := s.Search(ctx, mailbox.NewPath(owner, args[0]), q)
		if err != nil {
			return err
		}
		for it := res.Iter(); ; {
			uid, ok := it.Next()
			if !ok {
				break
			}
			fmt.Fprintln(c.out, uid)
		}
		return nil
	case "rename":
		if len(args) != 2 {
			return usage("rename OWNER OLD NEW")
		}
		return s.Rename(ctx, mailbox.NewPath(owner, args[0]), mailbox.NewPath(owner, args[1]))
	case "delete":
		if len(args) != 1 {
			return usage("delete OWNER MAILBOX")
		}
		return s.DeleteMailbox(ctx, mailbox.NewPath(owner, args[0]))
	}
	return usage(fmt.Sprintf("unknown command %q", name))
}

func (c *command) list(ctx context.Context, s *mailstore.Store, owner string) error {
	infos, err := s.List(ctx, owner)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "MAILBOX\tMESSAGES\tUIDNEXT\tUIDVALIDITY\tMODSEQ\n")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", info.Path.Name, info.NumMessages, info.UIDNext(), info.UIDValidity, info.HighestModSeq)
	}
	return tw.Flush()
}

func (c *command) append(ctx context.Context, s *mailstore.Store, owner string, args []string) error {
	if len(args) < 1 {
		return usage("append OWNER MAILBOX [FILE [FLAG...]]")
	}
	var r io.Reader = os.Stdin
	if len(args) > 1 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var flags mailbox.Flags
	if len(args) > 2 {
		flags = mailbox.NewFlags(args[2:]...)
	}
	uid, err := s.Append(ctx, mailbox.NewPath(owner, args[0]), r, flags, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "appended uid %d\n", uid)
	return nil
}

func (c *command) fetch(ctx context.Context, s *mailstore.Store, path mailbox.Path, set string) error {
	ranges, err := msgrange.Parse(set)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "UID\tMODSEQ\tSIZE\tDATE\tFLAGS\n")
	seen := make(map[mailbox.UID]bool)
	for _, r := range ranges {
		err := s.Fetch(ctx, path, r, backend.FetchMetadata, func(msg mailbox.Message) error {
			if seen[msg.UID] {
				return nil
			}
			seen[msg.UID] = true
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", msg.UID, msg.ModSeq, msg.Size, msg.InternalDate.Format(time.RFC3339), msg.Flags)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return tw.Flush()
}

func (c *command) flags(ctx context.Context, s *mailstore.Store, owner string, args []string) error {
	if len(args) < 3 {
		return usage("flags OWNER MAILBOX UIDSET (+|-|=)FLAG...")
	}
	path := mailbox.NewPath(owner, args[0])
	ranges, err := msgrange.Parse(args[1])
	if err != nil {
		return err
	}
	var op mailstore.FlagOp
	if args[2] == "" {
		return usage("empty flag list")
	}
	switch args[2][0] {
	case '+':
		op = mailstore.AddFlags
	case '-':
		op = mailstore.RemoveFlags
	case '=':
		op = mailstore.ReplaceFlags
	default:
		return usage("flag list must start with +, - or =")
	}
	names := append([]string{args[2][1:]}, args[3:]...)
	for _, r := range ranges {
		modSeqs, err := s.SetFlags(ctx, path, r, op, mailbox.NewFlags(names...))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %d changed\n", r, len(modSeqs))
	}
	return nil
}

// watch rescans every mailbox until interrupted, logging the changes
// it finds.
func (c *command) watch(ctx context.Context) error {
	c.bm.RegisterListener(tracker.ListenerFunc(func(ev tracker.Event) {
		c.log.Info("mailbox changed", zap.Stringer("event", ev))
	}))

	if c.debugAddr != "" {
		ln, err := net.Listen("tcp", c.debugAddr)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				c.log.Error("debug server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		c.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	}

	p := watch.NewPoller(c.bm, c.cfg.Watch.PerSecond, c.log)
	p.Interval = c.cfg.Watch.Interval
	p.Concurrency = c.cfg.Watch.Concurrency
	p.BatchSize = c.cfg.Backend.BatchSize
	err := p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
