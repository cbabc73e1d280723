package main

import (
	"fmt"

	"github.com/cuemby/esb/pkg/gateway"
	"github.com/cuemby/esb/pkg/registry"
)

// loadRoutes opens the shared function registry read-only from the
// gateway's point of view and feeds its current contents into g's route
// table. The returned *registry.Registry stays open so a future reload
// command (out of scope here) could re-list it; callers close it on exit.
func loadRoutes(dbPath string, g *gateway.Gateway) (*registry.Registry, error) {
	reg, err := registry.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	descs, err := reg.List()
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("list functions: %w", err)
	}

	g.ReloadRoutes(descs)
	return reg, nil
}
