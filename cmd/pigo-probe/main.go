package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"
	"pigo/pkg/probe"
	"pigo/pkg/race"
)

const defaultTimeout = 10 * time.Second

type config struct {
	urls      []string
	addresses []string
	port      int
	path      string
	secure    bool
	method    string
	timeout   time.Duration
	insecure  bool
	debug     bool
}

type report struct {
	URL       string               `json:"url,omitempty"`
	Found     bool                 `json:"found"`
	Reason    models.ProbeReason   `json:"reason,omitempty"`
	Failures  []models.ProbeResult `json:"failures,omitempty"`
	ElapsedMs int64                `json:"elapsed_ms"`
}

func parseFlags(args []string) (config, error) {
	var cfg config
	var addresses string

	fs := flag.NewFlagSet("pigo-probe", flag.ContinueOnError)
	fs.StringVar(&addresses, "addresses", "", "Comma-separated candidate addresses (e.g., 192.168.1.10,10.8.0.2)")
	fs.IntVar(&cfg.port, "port", 80, "Service port used with -addresses")
	fs.StringVar(&cfg.path, "path", "", "Service path used with -addresses")
	fs.BoolVar(&cfg.secure, "tls", false, "Use https with -addresses")
	fs.StringVar(&cfg.method, "method", "GET", "Probe HTTP method, GET or HEAD")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "Race timeout")
	fs.BoolVar(&cfg.insecure, "insecure", false, "Skip TLS certificate verification")
	fs.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.urls = fs.Args()
	for _, addr := range strings.Split(addresses, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.addresses = append(cfg.addresses, addr)
		}
	}
	if len(cfg.urls) == 0 && len(cfg.addresses) == 0 {
		return config{}, fmt.Errorf("pass candidate URLs as arguments or use -addresses")
	}
	if cfg.port < 1 || cfg.port > 65535 {
		return config{}, fmt.Errorf("port %d out of range", cfg.port)
	}
	return cfg, nil
}

// candidates returns the explicit URLs followed by one URL per address.
func (c config) candidates() []string {
	urls := append([]string(nil), c.urls...)
	for _, addr := range c.addresses {
		urls = append(urls, models.CandidateURL(addr, c.port, c.path, c.secure))
	}
	return urls
}

func run(ctx context.Context, cfg config) report {
	resolver := race.NewResolver(probe.New(probe.Options{
		Method:             cfg.method,
		InsecureSkipVerify: cfg.insecure,
	}))
	out := resolver.Resolve(ctx, cfg.candidates(), cfg.timeout)
	return report{
		URL:       out.URL,
		Found:     out.Found(),
		Reason:    out.Reason,
		Failures:  out.Failures,
		ElapsedMs: out.Elapsed.Milliseconds(),
	}
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.debug {
		log.SetDebugMode()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep := run(ctx, cfg)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		log.Error().Err(err).Msg("Failed to write report")
	}

	if !rep.Found {
		stop()
		os.Exit(1)
	}
}
