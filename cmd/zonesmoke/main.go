// Command zonesmoke drives a small zone tree: an outer zone ticking on an
// interval, an inner zone waiting on a timeout and a zone stat'ing a file.
// Every zone reports back in its parent when it ends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"

	"github.com/NetPo4ki/go-zone/gate"
	"github.com/NetPo4ki/go-zone/internal/config"
	"github.com/NetPo4ki/go-zone/observe/prom"
	"github.com/NetPo4ki/go-zone/observe/zlog"
	"github.com/NetPo4ki/go-zone/zone"
)

func main() {
	path := flag.String("config", "", "path to a .toml or .yaml config file")
	flag.Parse()

	cfg := config.DefaultSmoke()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	log := config.NewLogger(os.Stdout, "zonesmoke", cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics := prom.New(reg)
	rt := zone.NewRuntime(
		zone.WithLogger(log),
		zone.WithObserver(zone.Observers(metrics, zlog.New(log))),
	)
	if err := build(rt, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("build zone tree")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rt.Run(ctx)
	stop()

	if cfg.Metrics {
		if err := dumpMetrics(os.Stdout, reg); err != nil {
			log.Error().Err(err).Msg("dump metrics")
		}
	}
	s := metrics.GetSnapshot()
	log.Info().Int64("created", s.ZonesCreated).Int64("failed", s.ZonesFailed).Int64("live", s.ZonesLive).Msg("done")

	var fatal *zone.FatalError
	switch {
	case errors.As(err, &fatal):
		log.Error().Err(fatal.Err).Msg("unhandled error reached the root zone")
		os.Exit(1)
	case err != nil:
		log.Error().Err(err).Msg("run")
		os.Exit(1)
	}
}

// build spawns the smoke tree under the root of rt.
func build(rt *zone.Runtime, cfg config.Smoke, log zerolog.Logger) error {
	_, err := rt.Root().Spawn(func(z *zone.Zone) error {
		log.Info().Msgf("Beginning zone %s", z.Name())

		left := cfg.Ticks
		var iv *gate.Gate
		iv, err := gate.SetInterval(z, cfg.Interval, func(z *zone.Zone) error {
			log.Info().Msgf("interval callback in zone %s. Left: %d", z.Name(), left)
			left--
			if left == 0 {
				return gate.ClearInterval(iv)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if _, err := z.Spawn(func(z *zone.Zone) error {
			log.Info().Msgf("Beginning zone %s", z.Name())
			_, err := gate.SetTimeout(z, cfg.Timeout, func(z *zone.Zone) error {
				log.Info().Msgf("timeout callback in zone %s", z.Name())
				return nil
			})
			return err
		}, zone.WithName("inner_zone"), zone.WithCallback(ended(log, "inner_zone"))); err != nil {
			return err
		}

		_, err = z.Spawn(func(z *zone.Zone) error {
			_, err := gate.Go(z, func(context.Context) (os.FileInfo, error) {
				return os.Stat(cfg.StatPath)
			}, func(z *zone.Zone, fi os.FileInfo, err error) error {
				if err != nil {
					log.Info().Err(err).Msgf("stat callback in zone %s", z.Name())
					return err
				}
				log.Info().Str("file", fi.Name()).Int64("size", fi.Size()).Msgf("stat callback in zone %s", z.Name())
				return nil
			})
			return err
		}, zone.WithName("stat_zone"), zone.WithCallback(ended(log, "stat_zone")))
		return err
	}, zone.WithName("outer_zone"), zone.WithCallback(ended(log, "outer_zone")))
	return err
}

// ended logs the end of a zone in its parent and passes its error on.
func ended(log zerolog.Logger, name string) zone.Callback {
	return func(parent *zone.Zone, o zone.Outcome) error {
		log.Info().AnErr("error", o.Err()).Msgf("Zone %s ended, back in %s", name, parent.Name())
		return o.Err()
	}
}

func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
