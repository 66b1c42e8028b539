// Command threatguard runs the threat detection reverse proxy and its
// companion tooling.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/detector"
	"github.com/caasmo/threatguard/jwt"
	"github.com/caasmo/threatguard/ledger"
	"github.com/caasmo/threatguard/logger"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingFlag    = errors.New("missing required flag")
	ErrAdminDisabled  = errors.New("admin api is not activated")
)

const usage = `Usage: threatguard <command> [options]

Commands:
  serve         run the proxy (default when no command is given)
  dump-config   print the effective configuration as TOML
  token         issue a bearer token for the admin api
  test-score    score a request without contacting the running engine

Run 'threatguard <command> -h' for the options of a command.
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// run dispatches to a command. serve does not return on success: the
// server exits the process.
func run(args []string, stdout, stderr io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serveCommand(args, stderr)
	case "dump-config":
		return dumpConfigCommand(args, stdout, stderr)
	case "token":
		return tokenCommand(args, stdout, stderr)
	case "test-score":
		return testScoreCommand(args, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

// loadConfig reads path, or the defaults when path is empty, logging to w.
func loadConfig(path string, w io.Writer) (*config.Config, error) {
	bootstrap := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return config.Load(path, bootstrap)
}

func serveCommand(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}

	log, sink := logger.New(cfg.Log, stderr)
	slog.SetDefault(log)

	a, err := newApp(cfg, log, sink)
	if err != nil {
		sink.Close()
		return err
	}
	log.Info("threatguard starting",
		"config", cfg.Source,
		"ledger_backend", cfg.Ledger.Backend,
		"rules", len(cfg.Rules),
		"admin", cfg.Admin.Activated,
		"alerts", cfg.Alert.Activated,
	)
	a.newServer().Run()
	return nil
}

func dumpConfigCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dump-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file to merge over the defaults")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	return config.Dump(stdout, cfg)
}

func tokenCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	subject := fs.String("subject", "", "operator the token is issued to")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("%w: -subject", ErrMissingFlag)
	}

	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	if !cfg.Admin.Activated {
		return ErrAdminDisabled
	}

	token, expires, err := jwt.Create(*subject, []byte(cfg.Admin.JwtSecret), *ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "expires at %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}

func testScoreCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("test-score", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	path := fs.String("path", "", "request path, e.g. /.env")
	userAgent := fs.String("ua", "", "User-Agent header")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("%w: -path", ErrMissingFlag)
	}

	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := detector.New(cfg, ledger.New(ledger.NewMemoryStore(), discard), nil, discard)
	if err != nil {
		return err
	}

	assessment, decision := d.TestDecision(*path, *userAgent)
	out, err := json.MarshalIndent(struct {
		Assessment any `json:"assessment"`
		Decision   any `json:"decision"`
	}{assessment, decision}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}
