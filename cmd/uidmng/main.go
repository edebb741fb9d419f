// Copyright 2022 Matt Layher and Michael Stapelberg
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command uidmng runs commands and file operations as root or as the invoking
// user from a single sudo or setuid-root invocation, falling back to an
// elevation helper when allowed.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdlayher/metricslite"
	"github.com/mdlayher/uidmng"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: uidmng [flags] <operation> [arguments]

operations:
  status                         print identity and elevation state
  plan                           run the [[steps]] from the configuration file
  run[-user|-root|-helper|-try]  <program> [args...]
  read[-user|-root|-try]         <path>     write file contents to stdout
  write[-user|-root|-try]        <path>     write stdin to the file

flags:
`

func main() {
	var (
		c     = flag.String("c", "", "path to uidmng.toml configuration file")
		allow = flag.Bool("allow-helper", false, "allow falling back to the elevation helper")
	)

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfgFilePaths := []string{
		*c,
		"/etc/uidmng/uidmng.toml",
		"uidmng.toml",
	}

	ll := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := loadConfig(context.Background(), uidmng.New(uidmng.Config{}), cfgFilePaths, ll)
	if err != nil {
		ll.Fatalf("failed to load config: %v", err)
	}
	if *allow {
		cfg.Elevation.AllowHelper = true
	}

	// Set up Prometheus metrics for the tool.
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mcfg := cfg.Elevation.managerConfig()
	mcfg.Logger = ll
	mcfg.Metrics = metricslite.NewPrometheus(reg)
	m := uidmng.New(mcfg)

	if flag.Arg(0) == "status" {
		printStatus(os.Stdout, m)
		return
	}

	steps, err := parseArgs(flag.Args(), cfg, os.Stdin)
	if err != nil {
		ll.Printf("%v", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	ctx, done := context.WithCancel(ctx)
	defer done()

	eg.Go(func() error {
		// Stop the debug server once all steps are finished.
		defer done()

		r := &runner{m: m, w: os.Stdout, ll: ll}
		return r.runAll(ctx, steps)
	})

	// Enable debug server if an address is set.
	if cfg.Debug.Address != "" {
		eg.Go(func() error {
			l, err := net.Listen("tcp", cfg.Debug.Address)
			if err != nil {
				return fmt.Errorf("failed to listen for debug HTTP: %v", err)
			}

			if err := serveDebug(ctx, l, cfg.Debug, reg, ll); err != nil {
				return fmt.Errorf("failed to serve debug HTTP: %v", err)
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		var eerr *exitError
		if errors.As(err, &eerr) && eerr.code > 0 {
			ll.Printf("%v", err)
			os.Exit(eerr.code)
		}

		ll.Fatalf("failed to run: %v", err)
	}
}

// loadConfig loads the first configuration file found in paths, or returns an
// empty configuration if none exist. Files are read as the invoking user so
// that an elevated uidmng cannot be used to read files the user could not.
func loadConfig(ctx context.Context, m *uidmng.Manager, paths []string, ll *log.Logger) (*config, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}

		b, err := m.ReadFileAsUser(ctx, p)
		if errors.Is(err, uidmng.ErrConfig) && m.Real().IsRoot() {
			// No invoking user hints, but the real user is root anyway.
			b, err = m.ReadFile(p)
		}
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		ll.Printf("loading configuration from %s", p)
		return parseConfig(bytes.NewReader(b))
	}

	return &config{}, nil
}

// parseArgs converts command line arguments into steps.
func parseArgs(args []string, cfg *config, stdin io.Reader) ([]step, error) {
	if len(args) == 0 {
		return nil, errors.New("no operation specified")
	}

	op, args := args[0], args[1:]
	if op == "plan" {
		if len(args) > 0 {
			return nil, errors.New("plan takes no arguments")
		}
		if len(cfg.Steps) == 0 {
			return nil, errors.New("no steps configured")
		}

		return cfg.Steps, nil
	}

	rs := rawStep{Name: op, Action: op, As: string(asCurrent)}
	if i := strings.IndexByte(op, '-'); i != -1 {
		rs.Action, rs.As = op[:i], op[i+1:]
	}

	switch action(rs.Action) {
	case actionRun:
		rs.Command = args
	case actionRead, actionWrite:
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes exactly one path", op)
		}
		rs.Path = args[0]
	}

	s, err := parseStep(rs)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	if s.Action == actionWrite {
		s.Data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %v", err)
		}
	}

	return []step{s}, nil
}

// printStatus prints the process's identity and elevation state.
func printStatus(w io.Writer, m *uidmng.Manager) {
	var (
		r = m.Real()
		e = m.Effective()
	)

	fmt.Fprintf(w, "real:      uid=%d gid=%d\n", r.UID, r.GID)
	fmt.Fprintf(w, "effective: uid=%d gid=%d\n", e.UID, e.GID)
	fmt.Fprintf(w, "elevated: %t, root capability: %t, helper allowed: %t\n",
		m.IsElevated(), m.HasRootCapability(), m.ElevationAllowed())

	if id, err := m.InvokingUser(); err == nil {
		fmt.Fprintf(w, "invoking:  uid=%d gid=%d\n", id.UID, id.GID)
	} else {
		fmt.Fprintf(w, "invoking:  unknown (%v)\n", err)
	}
}

// serveDebug serves the HTTP debug server with the input configuration on l
// until ctx is canceled.
func serveDebug(ctx context.Context, l net.Listener, d debug, reg *prometheus.Registry, ll *log.Logger) error {
	mux := http.NewServeMux()

	if d.Prometheus {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	if d.PProf {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ll.Printf("starting HTTP debug server on %q [prometheus: %t, pprof: %t]",
		l.Addr(), d.Prometheus, d.PProf)

	s := &http.Server{
		ReadTimeout: 1 * time.Second,
		Handler:     mux,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
