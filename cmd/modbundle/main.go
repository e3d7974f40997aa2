package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"modbundle/internal/buildlog"
	"modbundle/internal/bundler"
	"modbundle/internal/config"
	"modbundle/internal/devserver"
	"modbundle/internal/emit"
	"modbundle/internal/publish"
)

const usage = `usage: modbundle <command> [flags]

commands:
  build     build once and write artifacts to the output directory
  serve     run the dev server with hot module replacement
  history   list recent build outcomes
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, bundler.Describe(err))
		os.Exit(1)
	}
}

type commonFlags struct {
	config *string
	mode   *string
}

func addCommon(fs *flag.FlagSet, defaultMode string) commonFlags {
	return commonFlags{
		config: fs.String("config", "", "path to the build file (default ./bundle.yaml)"),
		mode:   fs.String("mode", defaultMode, "development or production (default from NODE_ENV)"),
	}
}

func openLedger(cfg *config.Config) *buildlog.Ledger {
	if cfg.HistoryDB == "" {
		return nil
	}
	p := cfg.HistoryDB
	if !filepath.IsAbs(p) {
		p = filepath.Join(cfg.Root, p)
	}
	l, err := buildlog.Open(p)
	if err != nil {
		log.Printf("history disabled: %v", err)
		return nil
	}
	return l
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	common := addCommon(fs, "production")
	doPublish := fs.Bool("publish", false, "upload the build to the configured S3 bucket")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(config.Options{Path: *common.config, Mode: *common.mode})
	if err != nil {
		return err
	}
	ledger := openLedger(cfg)
	defer ledger.Close()

	gen := uint64(1)
	if ledger != nil {
		if next, err := ledger.NextGeneration(ctx); err == nil {
			gen = next
		}
	}

	sink := emit.NewDirSink(cfg.OutputDir())
	p, err := bundler.New(cfg, sink, bundler.Options{})
	if err != nil {
		return err
	}
	started := time.Now()
	res, buildErr := p.Build(ctx, gen)
	recordBuild(ctx, ledger, cfg, gen, started, res, buildErr)
	if buildErr != nil {
		return buildErr
	}
	fmt.Print(res.Summary())

	if !*doPublish {
		return nil
	}
	if cfg.Mode != config.ModeProduction {
		return errors.New("publish requires a production build")
	}
	store, err := publish.NewS3Store(cfg.Publish)
	if err != nil {
		return err
	}
	n, err := publish.New(store, cfg.Publish.Prefix, cfg.Parallelism).Publish(ctx, sink.Dir(), res.Manifest)
	if err != nil {
		return err
	}
	fmt.Printf("published %d objects to %s/%s\n", n, cfg.Publish.Bucket, cfg.Publish.Prefix)
	return nil
}

func recordBuild(ctx context.Context, l *buildlog.Ledger, cfg *config.Config, gen uint64, started time.Time, res *bundler.Result, err error) {
	if l == nil {
		return
	}
	r := buildlog.Record{
		Generation: gen,
		Mode:       string(cfg.Mode),
		Status:     buildlog.StatusOK,
		StartedAt:  started,
		Duration:   time.Since(started),
	}
	if err != nil {
		r.Status = buildlog.StatusFailed
		r.Error = bundler.Describe(err)
	}
	if res != nil {
		r.Chunks = len(res.Chunks)
		r.Transformed = len(res.Graph.Transformed)
	}
	if err := l.Record(context.WithoutCancel(ctx), r); err != nil {
		log.Printf("history: %v", err)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommon(fs, "development")
	port := fs.String("port", "", "dev server port (default from PORT or the build file)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(config.Options{Path: *common.config, Mode: *common.mode, Port: *port})
	if err != nil {
		return err
	}
	if !cfg.HMR {
		log.Printf("serve: %s mode has no hot updates", cfg.Mode)
	}
	ledger := openLedger(cfg)
	defer ledger.Close()

	srv, err := devserver.New(cfg, devserver.Options{Watch: true, Ledger: ledger})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	common := addCommon(fs, "")
	limit := fs.Int("n", 20, "number of records to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(config.Options{Path: *common.config, Mode: *common.mode})
	if err != nil {
		return err
	}
	ledger := openLedger(cfg)
	if ledger == nil {
		return errors.New("history database is not configured")
	}
	defer ledger.Close()

	records, err := ledger.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GEN\tMODE\tSTATUS\tSTARTED\tDURATION\tCHUNKS\tTRANSFORMED\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Generation, r.Mode, r.Status, r.StartedAt.Local().Format(time.DateTime),
			r.Duration, r.Chunks, r.Transformed, r.Error)
	}
	return tw.Flush()
}
