// Package app wires a loaded config into a running Multiplexer plus its
// control plane and metrics endpoint. It is the composition root cmd/kmux
// depends on.
package app

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"kmux/consumeractor"
	"kmux/internal/config"
	"kmux/internal/logging"
	"kmux/internal/telemetry"
	"kmux/internal/transport"
	"kmux/multiplexer"
	"kmux/substream"
)

// App is a running consumer multiplexer plus its ambient control-plane
// surface, wired for an operator-facing binary that has no downstream sink
// of its own. A library caller wanting per-partition control should use
// multiplexer.New directly instead of this package.
type App struct {
	cfg config.App
	mux *multiplexer.Multiplexer[consumeractor.Record]
	srv *transport.Server
}

// identityBuilder passes the raw polled record straight through: cmd/kmux
// has no downstream transform of its own, unlike a library caller wiring
// substream.MessageBuilder to its own message type.
var identityBuilder = substream.MessageBuilderFunc[consumeractor.Record](
	func(r consumeractor.Record) (consumeractor.Record, error) { return r, nil },
)

// Bootstrap loads the Kafka client config referenced by cfg.KafkaConfigPath,
// starts the ConsumerActor and Multiplexer, and binds the control-plane gRPC
// server (unstarted; call Run to serve it).
func Bootstrap(cfg config.App) (*App, error) {
	logging.Configure(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	kafkaCfg, err := consumeractor.LoadConfig(cfg.KafkaConfigPath)
	if err != nil {
		return nil, errors.Annotate(err, "app: load kafka config")
	}
	actor, err := consumeractor.New(kafkaCfg)
	if err != nil {
		return nil, errors.Annotate(err, "app: start consumer actor")
	}

	muxCfg := multiplexer.Config{
		Subscription:       toSubscription(cfg.Subscription),
		WaitClosePartition: cfg.WaitClosePartition,
		Clock:              clock.WallClock,
	}
	mux, err := multiplexer.New(muxCfg, actor, identityBuilder)
	if err != nil {
		actor.Stop()
		return nil, errors.Annotate(err, "app: start multiplexer")
	}

	srv, err := transport.StartServer(cfg.GRPCPort, mux)
	if err != nil {
		mux.Shutdown()
		return nil, errors.Annotate(err, "app: start control plane")
	}

	return &App{cfg: cfg, mux: mux, srv: srv}, nil
}

func toSubscription(sc config.SubscriptionConfig) multiplexer.Subscription {
	if sc.Kind == "pattern" {
		return multiplexer.Subscription{Kind: multiplexer.PatternSubscription, Pattern: sc.Pattern}
	}
	return multiplexer.Subscription{Kind: multiplexer.TopicSubscription, Topics: sc.Topics}
}

// Run serves the control plane and metrics endpoint, and drains the
// Multiplexer's output until ctx is cancelled or the Multiplexer fails.
func (a *App) Run(ctx context.Context) error {
	telemetry.Expose(a.cfg.MetricsPort)

	go func() {
		if err := a.srv.Serve(); err != nil {
			logging.L().Error("app: control plane server exited", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		a.mux.Shutdown()
	}()

	for elem := range a.mux.Output() {
		go drainSub(elem)
	}

	a.srv.Stop()
	return a.mux.Wait()
}

// drainSub consumes a substream to completion. cmd/kmux has no downstream
// sink of its own; consuming here is what lets the substream make forward
// progress and eventually report Done.
func drainSub(elem multiplexer.Element[consumeractor.Record]) {
	for range elem.Sub.Output() {
	}
}
