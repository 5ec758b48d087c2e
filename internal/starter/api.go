package starter

import (
	"context"
	"moff.io/coursewallet/internal/config"
)

type Startable interface {
	Start(ctx context.Context)
}

type Configurable interface {
	Apply(*config.Configuration)
}

type Stopable interface {
	Stop()
}

// Start applies conf to the configurable elements and starts them in order.
func Start(ctx context.Context, conf *config.Configuration, elems ...Startable) {
	for _, ele := range elems {
		if configurable, ok := ele.(Configurable); ok {
			configurable.Apply(conf)
		}
		ele.Start(ctx)
	}
}

// Stop stops the stopable elements in reverse order.
func Stop(elems ...Startable) {
	for i := len(elems) - 1; i >= 0; i-- {
		if stopable, ok := elems[i].(Stopable); ok {
			stopable.Stop()
		}
	}
}
