package main

import (
	"context"
	"github.com/go-redis/redis_rate/v9"
	"moff.io/coursewallet/internal/aws"
	"moff.io/coursewallet/internal/bridge"
	"moff.io/coursewallet/internal/cache"
	"moff.io/coursewallet/internal/chainclient"
	"moff.io/coursewallet/internal/chains"
	"moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/internal/connection"
	"moff.io/coursewallet/internal/database"
	"moff.io/coursewallet/internal/databus"
	"moff.io/coursewallet/internal/http"
	"moff.io/coursewallet/internal/progress"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/internal/starter"
	"moff.io/coursewallet/internal/walletconnect"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"time"
)

type application struct {
	conf    *config.Configuration
	session *session.Session
	bridge  *bridge.Bridge
	facade  *connection.Facade
	elems   []starter.Startable
	closers []func()
}

// setupReporting applies the log level and registers the error reporters.
func setupReporting(conf *config.Configuration) error {
	log.SetLevelName(conf.LogLevel)
	if err := errors.NewSentryReporter(conf.SentryDSN, time.Minute); err != nil {
		return err
	}
	errors.NewLarkReporter(conf.LarkAlarmWebhook, "coursewallet error", time.Minute)
	return nil
}

func newRegistry(conf *config.Configuration) *chains.Registry {
	registry := chains.NewRegistry()
	conf.ApplyChains(registry)
	return registry
}

func newApplication(ctx context.Context, conf *config.Configuration) (*application, error) {
	if conf.AWSRegion != "" {
		resolver, err := aws.NewSecretResolver(ctx, conf.AWSRegion)
		if err != nil {
			return nil, err
		}
		if err := resolver.ResolveConfig(ctx, conf); err != nil {
			return nil, err
		}
	}
	if err := setupReporting(conf); err != nil {
		return nil, err
	}

	registry := newRegistry(conf)
	contracts, err := conf.ContractAddresses()
	if err != nil {
		return nil, err
	}

	a := &application{conf: conf}
	connector := walletconnect.NewConnector(walletconnect.Config{
		BridgeURL: conf.WalletConnect.BridgeURL,
		Meta:      conf.WalletConnect.Meta,
	})
	a.session = session.New(connector,
		session.WithRegistry(registry),
		session.WithDefaultTimeout(conf.Timeouts.Connect),
	)
	a.bridge = bridge.New(a.session, &chainclient.EthFactory{
		Registry:    registry,
		Contracts:   contracts,
		DialTimeout: conf.Timeouts.Dial,
	})
	a.facade = connection.New(a.session, a.bridge, connection.Options{
		ConnectTimeout: conf.Timeouts.Connect,
		SwitchTimeout:  conf.Timeouts.SwitchChain,
	})

	var (
		store   progress.Store = progress.NewMemoryStore()
		limiter *redis_rate.Limiter
	)
	if conf.RedisCredential.Enabled() {
		rdb, err := cache.Connect(ctx, &conf.RedisCredential)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		limiter = cache.NewRateLimiter(rdb)
		store = cache.NewProgressStore(rdb)
	}
	if conf.Postgres.Enabled() {
		db, err := database.Connect(ctx, &conf.Postgres)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { database.Close(db) })
		store = database.NewProgressStore(db)
	}

	if conf.KafkaServer != "" {
		bus, err := databus.NewDataBus(conf.KafkaServer)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { bus.Close() })
		a.elems = append(a.elems, databus.NewStatusPublisher(bus, conf.KafkaStatusTopic, a.facade))
	}
	tracker := progress.NewTracker(a.facade, store)
	a.elems = append(a.elems, http.NewServer(a.facade, tracker, limiter))
	return a, nil
}

func (a *application) start(ctx context.Context) {
	starter.Start(ctx, a.conf, a.elems...)
}

// stop disconnects the wallet, then tears everything down in reverse order.
func (a *application) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.facade.Disconnect(ctx); err != nil {
		log.Warnf("disconnect wallet on shutdown: %v", err)
	}
	starter.Stop(a.elems...)
	a.facade.Close()
	a.bridge.Close()
	a.close()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
