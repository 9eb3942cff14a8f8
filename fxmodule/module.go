// Package fxmodule wires the nat-port-mapper UPnP discovery client into an
// fx application, giving it a managed lifecycle alongside the rest of a
// host application's dependency graph.
package fxmodule

import (
	"context"

	"go.uber.org/fx"

	natportmap "github.com/achingbrain/nat-port-mapper"
	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.fxmodule")

// ModuleInput declares this module's optional upstream configuration.
type ModuleInput struct {
	fx.In

	Options []natportmap.Option `optional:"true"`
}

// ModuleOutput declares the services this module provides.
type ModuleOutput struct {
	fx.Out

	UPnPClient *natportmap.UPnPNATClient `name:"nat_upnp_client"`
}

// ProvideServices constructs the UPnP discovery client.
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	client, err := natportmap.UPnPNAT(input.Options...)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{UPnPClient: client}, nil
}

// Module returns the fx module: provide the client, discover eagerly on
// start (best-effort, logged not fatal), and tear down every gateway it
// bound on stop.
func Module() fx.Option {
	return fx.Module("nat-port-mapper",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

type lifecycleInput struct {
	fx.In

	LC         fx.Lifecycle
	UPnPClient *natportmap.UPnPNATClient `name:"nat_upnp_client"`
}

func registerLifecycle(input lifecycleInput) {
	var discovered []natportmap.Gateway

	input.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			gws, err := input.UPnPClient.FindGateways(ctx)
			if err != nil {
				logger.Debug("upnp discovery found nothing at startup", "err", err)
				return nil
			}
			discovered = gws
			logger.Info("upnp discovery complete", "count", len(gws))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, gw := range discovered {
				if err := gw.Stop(ctx); err != nil {
					logger.Warn("gateway stop failed", "err", err)
				}
			}
			return nil
		},
	})
}
