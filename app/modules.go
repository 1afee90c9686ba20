package app

import (
	"context"
	"fmt"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/modules/graph"
	"github.com/zachfi/wavecatch/modules/player"
	"github.com/zachfi/wavecatch/pkg/oggopus"
	"github.com/zachfi/wavecatch/pkg/output"
)

const (
	Server string = "server"

	Player string = "player"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)

	mm.RegisterModule(Player, a.initPlayer)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Player: {Server},

		All: {Player},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initPlayer() (services.Service, error) {
	cfg := a.cfg.Player

	chain := func(path string) (capture.Chain, error) {
		return oggopus.New(path, cfg.Capture.Bitrate)
	}

	var out graph.Output = graph.NewNullOutput()
	var spk *output.Speaker
	if cfg.Graph.Output != graph.OutputNone {
		spk = output.NewSpeaker(cfg.Graph.OutputBuffer)
		out = spk
	}

	p, err := player.New(cfg, a.logger, prometheus.DefaultRegisterer,
		player.WithChain(chain),
		player.WithGraphOptions(graph.WithOutput(out)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Player)
	}

	p.RegisterHandlers(a.Server.HTTP)

	if spk != nil {
		// the device outlives graph rebuilds, release it with the player
		p.AddListener(services.NewListener(nil, nil, nil,
			func(services.State) { spk.Close() },
			func(services.State, error) { spk.Close() },
		))
	}

	return p, nil
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		a.logger.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
