// Command chatcache is a CLI client for the offline-first chat cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/and161185/chatcache/internal/cache"
	"github.com/and161185/chatcache/internal/config"
	"github.com/and161185/chatcache/internal/localstore/boltstore"
	"github.com/and161185/chatcache/internal/logging"
	"github.com/and161185/chatcache/internal/remote"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- remote dial ----

// dialRemote connects to the ChatSync server. Tests replace it.
var dialRemote = func(cfg config.ServerConfig, log *zap.Logger) (remote.Client, func() error, error) {
	c, err := remote.Dial(remote.DialConfig{
		Addr:               cfg.Addr,
		CACert:             cfg.CACert,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Plaintext:          cfg.Plaintext,
		Token:              cfg.Token,
		CallTimeout:        cfg.CallTimeout,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// ---- global options ----

type rootOptions struct {
	configPath string
	addr       string
	userID     string
	token      string
	cachePath  string
	caPath     string
	insecure   bool
	plaintext  bool
	logLevel   string
}

// load reads the config file and applies flags the user set explicitly.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	fs := cmd.Flags()
	if fs.Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if fs.Changed("user") {
		cfg.UserID = o.userID
	}
	if fs.Changed("token") {
		cfg.Server.Token = o.token
	}
	if fs.Changed("cache") {
		cfg.Cache.Path = o.cachePath
	}
	if fs.Changed("cacert") {
		cfg.Server.CACert = o.caPath
	}
	if fs.Changed("insecure") {
		cfg.Server.InsecureSkipVerify = o.insecure
	}
	if fs.Changed("plaintext") {
		cfg.Server.Plaintext = o.plaintext
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ---- session ----

// session is everything a command needs to talk to the cache.
type session struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *boltstore.Store
	engine  *cache.Engine
	closeRC func() error
}

func openSession(cmd *cobra.Command, o *rootOptions) (*session, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	store, err := boltstore.Open(cfg.Cache.Path, boltstore.WithLogger(log.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cfg.Cache.Path, err)
	}
	rc, closeRC, err := dialRemote(cfg.Server, log.Named("remote"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := cache.New(store, rc,
		cache.WithLogger(log.Named("cache")),
		cache.WithThreadWindows(cache.Windows{Fresh: cfg.Cache.ThreadsFresh, Refresh: cfg.Cache.ThreadsRefresh}),
		cache.WithMessageWindows(cache.Windows{Fresh: cfg.Cache.MessagesFresh, Refresh: cfg.Cache.MessagesRefresh}),
		cache.WithDebounce(cfg.Cache.StreamingDebounce, cfg.Cache.FinalDebounce),
		cache.WithRetention(cfg.Cache.Retention),
	)
	return &session{cfg: cfg, log: log, store: store, engine: engine, closeRC: closeRC}, nil
}

// user returns the configured user id or an error telling how to set it.
func (s *session) user() (string, error) {
	if s.cfg.UserID == "" {
		return "", errors.New("no user id (set user_id in the config, CHATCACHE_USER or --user)")
	}
	return s.cfg.UserID, nil
}

// Close waits for background pushes, then releases the remote and the store.
func (s *session) Close() error {
	// Engine.Close cancels pushes still in flight
	s.engine.Wait()
	err := multierr.Combine(s.engine.Close(), s.closeRC(), s.store.Close())
	_ = s.log.Sync()
	return err
}

// withSession opens a session for the duration of run.
func withSession(o *rootOptions, run func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		s, err := openSession(cmd, o)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, s.Close()) }()
		return run(cmd, s, args)
	}
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func tsString(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fail(w io.Writer, err error) int {
	if s, ok := status.FromError(err); ok && s.Code() != 0 {
		fmt.Fprintf(w, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		return 1
	}
	fmt.Fprintln(w, err)
	return 1
}

// ---- main ----

// main runs the command tree until it finishes or SIGINT/SIGTERM arrives.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(fail(os.Stderr, err))
	}
}
