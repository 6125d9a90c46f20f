// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command viosockctl drives a viosock provider from the command line.
//
// Usage:
//
//	viosockctl [flags] serve            echo every accepted connection
//	viosockctl [flags] dial <cid:port>  send a message and print the echo
//	viosockctl [flags] selftest         serve and dial over a loopback device
//
// Settings come from the YAML file named by --config; flags override the
// transport and metrics address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/xerr"

	"code.hybscloud.com/viosock"
	"code.hybscloud.com/viosock/config"
	"code.hybscloud.com/viosock/internal/log"
)

type flags struct {
	configPath string
	transport  string
	port       uint32
	metrics    string
	message    string
	conns      int
}

func usage() {
	fmt.Fprintf(os.Stderr, `viosockctl drives a viosock provider.

Usage:

	viosockctl [flags] serve
	viosockctl [flags] dial <cid:port>
	viosockctl [flags] selftest

Flags:

`)
	pflag.PrintDefaults()
}

func main() {
	var f flags
	pflag.StringVar(&f.configPath, "config", "", "YAML settings file")
	pflag.StringVar(&f.transport, "transport", "", "transport kind: loopback or vsock")
	pflag.Uint32Var(&f.port, "port", 0, "listening port for serve")
	pflag.StringVar(&f.metrics, "metrics", "", "address for the /metrics endpoint; \"-\" disables it")
	pflag.StringVar(&f.message, "message", "hello, vsock", "payload sent by dial and selftest")
	pflag.IntVar(&f.conns, "conns", 0, "connections served before serve exits; 0 serves until interrupted")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Usage = usage
	pflag.Parse()
	defer log.Flush()

	argv := pflag.Args()
	if len(argv) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &f, argv); err != nil {
		log.Error("viosockctl", err)
		log.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags, argv []string) (err error) {
	defer xerr.Contextf(&err, "%s", argv[0])

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	switch argv[0] {
	case "selftest":
		cfg.Transport.Kind = config.TransportLoopback
	case "serve", "dial":
	default:
		return fmt.Errorf("unknown command %q", argv[0])
	}

	dev, err := openDevice(cfg.Transport)
	if err != nil {
		return err
	}
	m := viosock.NewMetrics()
	p := viosock.NewProvider(dev, viosock.WithConfig(cfg.Engine), viosock.WithMetrics(m))
	defer func() {
		if cerr := p.Close(); err == nil {
			err = cerr
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	if cfg.Metrics.Address != "" {
		srv, err := metricsServer(cfg.Metrics.Address, m)
		if err != nil {
			cancel()
			return err
		}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		defer cancel()
		switch argv[0] {
		case "serve":
			return serve(ctx, p, cfg.Transport.Port, f.conns)
		case "dial":
			if len(argv) != 2 {
				return fmt.Errorf("dial: want one <cid:port> argument")
			}
			remote, err := parseTarget(argv[1])
			if err != nil {
				return err
			}
			reply, err := dial(ctx, p, remote, []byte(f.message))
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", reply)
			return nil
		default:
			return selftest(ctx, p, cfg.Transport.Port, []byte(f.message))
		}
	})
	return g.Wait()
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.transport != "" {
		cfg.Transport.Kind = f.transport
	}
	if f.port != 0 {
		cfg.Transport.Port = f.port
	}
	switch f.metrics {
	case "":
	case "-":
		cfg.Metrics.Address = ""
	default:
		cfg.Metrics.Address = f.metrics
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func metricsServer(addr string, m *viosock.Metrics) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}, nil
}
