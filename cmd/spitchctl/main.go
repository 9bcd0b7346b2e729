// Command spitchctl talks to a running spitch gateway's control endpoints.
//
// Usage:
//
//	spitchctl [flags] state|clients|skip-waiting|claim|update
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"

	log "log/slog"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// commands maps a subcommand to its HTTP method and control path.
var commands = map[string]struct {
	method string
	path   string
}{
	"state":        {http.MethodGet, "/_spitch/state"},
	"clients":      {http.MethodGet, "/_spitch/state"},
	"skip-waiting": {http.MethodPost, "/_spitch/skip-waiting"},
	"claim":        {http.MethodPost, "/_spitch/claim"},
	"update":       {http.MethodPost, "/_spitch/update"},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := cli.NewFlagSet("spitchctl", cli.ContinueOnError)
	envFile := fs.StringP("env", "e", ".env", "Env file path")
	addr := fs.StringP("addr", "a", "", "Gateway base URL (default $SPITCH_CTL_ADDR or http://localhost:8080)")
	logLevel := fs.StringP("log", "l", "warn", "Log level")
	timeout := fs.DurationP("timeout", "t", 2*time.Minute, "Request timeout; update waits for the install")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log.SetDefault(log.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevelMap[*logLevel],
		TimeFormat: time.Kitchen,
	})))

	_ = godotenv.Load(*envFile)
	base := *addr
	if base == "" {
		base = os.Getenv("SPITCH_CTL_ADDR")
	}
	if base == "" {
		base = "http://localhost:8080"
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: spitchctl [flags] state|clients|skip-waiting|claim|update")
		fs.PrintDefaults()
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		log.Error("Unknown command", "command", name)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	body, status, err := call(ctx, cmd.method, strings.TrimSuffix(base, "/")+cmd.path)
	if err != nil {
		log.Error("Gateway not reachable", "addr", base, "err", err)
		return 1
	}
	log.Debug("Gateway answered", "command", name, "status", status)

	if name == "clients" {
		body, err = extract(body, "clients")
		if err != nil {
			log.Error("Malformed state response", "err", err)
			return 1
		}
	}
	if err := printJSON(stdout, body); err != nil {
		_, _ = stdout.Write(body)
	}
	if status >= 300 {
		log.Error("Command failed", "command", name, "status", status)
		return 1
	}
	return 0
}

func call(ctx context.Context, method, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return b, resp.StatusCode, nil
}

func extract(body []byte, field string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m[field], nil
}

func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
