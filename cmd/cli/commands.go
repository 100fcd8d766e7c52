package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/redsanjin-1/bigfile/config"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
	"github.com/redsanjin-1/bigfile/internal/resume"
	"github.com/redsanjin-1/bigfile/internal/transfer"
	"github.com/redsanjin-1/bigfile/internal/uploader"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// session bundles everything a command needs to talk to the server.
type session struct {
	cfg      *config.AppConfig
	client   *transfer.Client
	store    resume.Store
	uploader *uploader.Uploader
}

func loadConfig(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.InitLogger(cfg.Debug || c.Bool("debug"))
	if c.IsSet("server") {
		cfg.Client.ServerURL = c.String("server")
	}
	return cfg, nil
}

func newClient(cfg *config.AppConfig) *transfer.Client {
	return transfer.NewClient(transfer.ClientOptions{
		BaseURL:          cfg.Client.ServerURL,
		TransportRetries: cfg.Client.TransportRetries,
		Logger:           logging.Component("client"),
	})
}

func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	store, err := resume.Open(cfg.Client.ResumeBackend, cfg.Client.ResumePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	client := newClient(cfg)

	up, err := uploader.New(client, store, uploader.Options{
		ChunkSize:     cfg.Client.ChunkSize,
		MaxConcurrent: cfg.Client.MaxConcurrent,
		MaxRetries:    cfg.Client.MaxRetries,
		MaxFileSize:   cfg.Client.MaxFileSize,
		AllowedTypes:  cfg.Client.AllowedTypes,
		Digest:        identity.Algorithm(cfg.Client.Digest),
		OnEvent:       newRenderer(os.Stderr).Handle,
		Logger:        logging.Component("uploader"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{cfg: cfg, client: client, store: store, uploader: up}, nil
}

func (s *session) Close() {
	s.uploader.Close()
	if err := s.store.Close(); err != nil {
		logging.Log.WithError(err).Warn("Failed to close session store")
	}
}

// interruptible returns a context cancelled by Ctrl-C or SIGTERM. The
// cancellation also drops queued chunks so the uploader pauses promptly.
func (s *session) interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		s.uploader.Pause()
	}()
	return ctx, stop
}

func reportPaused(err error) error {
	if common.IsCancelled(err) {
		fmt.Fprintln(os.Stderr, "⏸️  Paused. Run `bigfile resume` to continue.")
		return nil
	}
	return err
}

func uploadCmd(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("upload needs at least one file", 2)
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := s.interruptible(c.Context)
	defer stop()

	var errs []error
	for _, path := range c.Args().Slice() {
		sess, err := s.uploader.Prepare(ctx, path)
		if err == nil {
			err = s.uploader.Upload(ctx, sess.Identity)
		}
		if err == nil {
			fmt.Printf("✅ %s -> %s\n", path, sess.Identity)
			continue
		}
		if common.IsCancelled(err) {
			return reportPaused(err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return errors.Join(errs...)
}

func resumeCmd(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := s.interruptible(c.Context)
	defer stop()

	if id := c.Args().First(); id != "" {
		return reportPaused(s.uploader.Resume(ctx, id))
	}
	return reportPaused(s.uploader.ResumeAll(ctx))
}

func statusCmd(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	sessions, err := s.uploader.Sessions(c.Context)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}

	remote := c.Bool("remote")
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "IDENTITY\tFILE\tSIZE\tCHUNKS\tSTATUS\tRETRIES")
	if remote {
		fmt.Fprint(tw, "\tON SERVER")
	}
	fmt.Fprintln(tw, "\tLAST ERROR")

	for _, sess := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d", shortID(sess.Identity), filepath.Base(sess.SourcePath),
			units.HumanSizeWithPrecision(float64(sess.FileSize), 3), len(sess.Chunks), sess.Status, sess.Retries)
		if remote {
			fmt.Fprintf(tw, "\t%s", held(c.Context, s.client, sess))
		}
		fmt.Fprintf(tw, "\t%s\n", sess.LastError)
	}
	return tw.Flush()
}

func held(ctx context.Context, client *transfer.Client, sess resume.Session) string {
	state, err := client.QueryState(ctx, sess.Identity)
	if err != nil {
		return "?"
	}
	if state.Exists {
		return "merged"
	}
	var n int64
	for _, chunk := range state.UploadedChunks {
		n += chunk.Size
	}
	return units.HumanSizeWithPrecision(float64(n), 3)
}

func resetCmd(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if c.Bool("all") {
		return s.uploader.ResetAll(c.Context)
	}
	id := c.Args().First()
	if id == "" {
		return cli.Exit("reset needs an identity or --all", 2)
	}
	return s.uploader.Reset(c.Context, id)
}

func mergeCmd(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("merge needs an identity", 2)
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.uploader.Merge(c.Context, id); err != nil {
		return err
	}
	fmt.Printf("✅ merged %s\n", id)
	return nil
}

func fetchCmd(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("fetch needs <identity> <dest>", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	id, dest := c.Args().Get(0), c.Args().Get(1)
	if err := newClient(cfg).Fetch(c.Context, id, dest); err != nil {
		return err
	}
	fmt.Printf("📥 %s -> %s\n", id, dest)
	return nil
}

func hashCmd(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("hash needs at least one file", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	algo := identity.Algorithm(cfg.Client.Digest)
	for _, path := range c.Args().Slice() {
		id, err := identity.FromFile(path, algo)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", id, path)
	}
	return nil
}

func healthCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := newClient(cfg).Health(c.Context); err != nil {
		return err
	}
	fmt.Printf("✅ %s is healthy\n", cfg.Client.ServerURL)
	return nil
}

func shortID(id string) string {
	parsed, err := identity.Parse(id)
	if err != nil || len(parsed.Digest) < 12 {
		return id
	}
	short := parsed.Digest[:12]
	if parsed.Extension != "" {
		short += "." + parsed.Extension
	}
	return short
}
