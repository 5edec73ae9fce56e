// Command demo attaches a receiver to a broker and prints every message
// it receives until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/acogoluegnes/qpid-protonj2/engine"
	"github.com/acogoluegnes/qpid-protonj2/internal/config"
	"github.com/acogoluegnes/qpid-protonj2/internal/netpump"
	"github.com/acogoluegnes/qpid-protonj2/metrics"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "YAML configuration file")
		addr       = pflag.String("addr", "", "broker address, overrides the configuration")
		source     = pflag.String("source", "", "source address to receive from")
		credit     = pflag.Uint32("credit", 0, "link credit to keep outstanding")
		verbosity  = pflag.IntP("verbose", "v", -1, "log verbosity")
	)
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *source != "" {
		cfg.Link.Source = *source
	}
	if *credit > 0 {
		cfg.Link.Credit = *credit
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}

	stdr.SetVerbosity(cfg.Log.Verbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(err, "demo failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, logger logr.Logger) error {
	connOpts, err := cfg.ConnOptions()
	if err != nil {
		return err
	}
	linkOpts, err := cfg.LinkOptions()
	if err != nil {
		return err
	}

	collector := metrics.New(cfg.Metrics.Namespace)
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		srv := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(err, "metrics server")
			}
		}()
		defer srv.Close()
	}

	nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return err
	}

	// the pump owns the event handler, so events are observed from it
	handler := printer(cfg.Link.Credit)
	connOpts = append(connOpts, engine.ConnFrameHook(collector.ObserveFrame))
	p, err := netpump.New(nc, logger, func(c *engine.Conn, ev engine.Event) {
		collector.ObserveEvent(ev)
		handler(c, ev)
	}, connOpts...)
	if err != nil {
		nc.Close()
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()

	err = p.Do(ctx, func(c *engine.Conn) error {
		if err := c.Open(); err != nil {
			return err
		}
		s, err := c.NewSession(cfg.SessionOptions()...)
		if err != nil {
			return err
		}
		if err := s.Begin(); err != nil {
			return err
		}
		r, err := s.NewReceiver(linkOpts...)
		if err != nil {
			return err
		}
		if err := r.Attach(); err != nil {
			return err
		}
		return r.AddCredit(cfg.Link.Credit)
	})
	if err != nil {
		nc.Close()
		<-errc
		return err
	}
	logger.Info("receiving", "addr", cfg.Addr, "source", cfg.Link.Source)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("closing")
	if err := p.Do(context.Background(), func(c *engine.Conn) error { return c.Close(nil) }); err != nil {
		return err
	}
	return <-errc
}

// printer prints and accepts deliveries, topping credit back up once
// half of it has been used.
func printer(credit uint32) netpump.Handler {
	return func(c *engine.Conn, ev engine.Event) {
		switch ev := ev.(type) {
		case engine.DeliveryReceived:
			msg, err := ev.Delivery.Message()
			if err != nil {
				fmt.Printf("delivery %d: undecodable message: %v\n", ev.Delivery.ID(), err)
				_ = ev.Delivery.Reject(nil)
				return
			}
			fmt.Printf("delivery %d: %s\n", ev.Delivery.ID(), msg.GetData())
			_ = ev.Delivery.Accept()

			r := ev.Receiver
			if used := credit - r.Credit(); r.Credit() < credit && used >= credit/2 {
				_ = r.AddCredit(used)
			}
		case engine.LinkDetached:
			if ev.Error != nil {
				fmt.Printf("link detached: %v\n", ev.Error)
			}
			if ev.Link.State() == engine.LinkStateDetachReceived {
				_ = ev.Link.Detach(nil)
			}
		case engine.ConnectionClosed:
			if ev.Error != nil {
				fmt.Printf("connection closed by peer: %v\n", ev.Error)
			}
			_ = c.Close(nil)
		}
	}
}
