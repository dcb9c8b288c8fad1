package main

import (
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
)

func dialTemporal() (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return tc, nil
}
