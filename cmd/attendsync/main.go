// Command attendsync serves the attendance relay over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendsync/internal/app"
	"attendsync/internal/config"
	"attendsync/internal/httpapi"

	// Register every warehouse backend; WAREHOUSE_KIND picks one.
	_ "attendsync/internal/storage/all"
)

// deps are external seams for tests.
type deps struct {
	Stderr io.Writer
	Getenv func(string) string
	Listen func(addr string) (net.Listener, error)
	App    app.Deps

	// ready, when set, receives the bound address once the server is listening.
	ready chan<- string
}

func main() {
	if err := config.LoadDotEnv(envFile()); err != nil {
		log.Printf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], deps{
		Stderr: os.Stderr,
		Getenv: os.Getenv,
		Listen: func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) },
	}))
}

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

func newServer(h http.Handler) *http.Server {
	return &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout}
}

func envFile() string {
	if p := os.Getenv("ENV_FILE"); p != "" {
		return p
	}
	return ".env"
}

// run starts the server and blocks until ctx is done.
//
// Exit codes:
//   - 0: clean shutdown, or -validate with no errors.
//   - 1: server or shutdown failure.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.Listen == nil {
		d.Listen = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
	}

	var validate bool
	cfg, issues, err := config.Parse("attendsync", args, d.Getenv, func(fs *flag.FlagSet) {
		fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	})
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	issues = append(issues, config.Validate(cfg)...)
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid")
		return 2
	}
	if validate {
		log.Printf("Configuration is valid")
		return 0
	}

	a, err := app.Open(ctx, cfg, "attendsync", d.App)
	if err != nil {
		fmt.Fprintf(d.Stderr, "init failed: %v\n", err)
		return 2
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	ln, err := d.Listen(cfg.Addr())
	if err != nil {
		fmt.Fprintf(d.Stderr, "listen %s: %v\n", cfg.Addr(), err)
		return 2
	}

	srv := newServer(httpapi.NewRouter(a.Sync, a.Upstream))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Printf("server: listening on %s", ln.Addr())
	if d.ready != nil {
		d.ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		log.Printf("server: %v", err)
		return 1
	case <-ctx.Done():
	}

	log.Printf("server: shutting down (timeout %s)", cfg.ShutdownTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("server: shutdown: %v", err)
		return 1
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server: %v", err)
		return 1
	}
	return 0
}
