// Package app assembles the federation engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AutoIdentity as keys.identityFile keeps a generated age identity in the
// config directory.
const AutoIdentity = "auto"

type App struct {
	Conf      *util.AppConfig
	Log       *zap.Logger
	Store     db.Store
	Keys      *activitypub.KeyManager
	Directory *activitypub.Directory
	Resolver  *activitypub.Resolver
	Signer    *activitypub.Signer
	Verifier  *activitypub.Verifier
	Engine    *activitypub.DeliveryEngine
	Outbox    *activitypub.Outbox
	Inbox     *activitypub.InboxProcessor
}

// New opens the store and wires every component.
func New(ctx context.Context, conf *util.AppConfig, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := conf.Conf
	clk := clockwork.NewRealClock()

	layout, err := util.DefaultLayout()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(ctx, db.Options{
		Driver: c.Store.Driver,
		Path:   layout.StorePath(c.Store.Driver, c.Store.Path),
		DSN:    c.Store.DSN,
	}, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	sealer, err := loadSealer(c.Keys.IdentityFile, layout)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{Conf: conf, Log: log, Store: store}
	a.Keys = activitypub.NewKeyManager(store, clk, activitypub.KeyOptions{
		Bits:   c.Keys.Bits,
		Grace:  c.Federation.KeyGrace,
		Sealer: sealer,
	}, log.Named("keys"))
	a.Directory = activitypub.NewDirectory(store, a.Keys, clk, conf.PublicURL(), log.Named("directory"))
	a.Resolver = activitypub.NewResolver(store, &http.Client{Timeout: 10 * time.Second}, a.Keys, clk, activitypub.ResolverOptions{
		TTL:       c.Federation.ActorCacheTTL,
		UserAgent: userAgent(),
	}, log.Named("resolver"))
	a.Signer = activitypub.NewSigner(clk)
	a.Verifier = activitypub.NewVerifier(a.Resolver, clk, c.Federation.ClockSkew, log.Named("httpsig"))
	a.Engine = activitypub.NewDeliveryEngine(store, a.Keys, a.Signer, &http.Client{Timeout: c.Delivery.Timeout}, clk, activitypub.DeliveryConfig{
		MaxAttempts:    c.Delivery.MaxAttempts,
		PerHost:        c.Delivery.PerHost,
		InitialBackoff: c.Delivery.InitialBackoff,
		MaxBackoff:     c.Delivery.MaxBackoff,
		Timeout:        c.Delivery.Timeout,
		UserAgent:      userAgent(),
	}, log.Named("delivery"))
	a.Outbox = activitypub.NewOutbox(store, a.Resolver, a.Directory, a.Engine, clk, log.Named("outbox"))

	var policy activitypub.FollowPolicy = activitypub.AutoAccept{}
	if !c.Federation.AutoAccept {
		policy = activitypub.ManualApproval{}
	}
	a.Inbox = activitypub.NewInboxProcessor(store, a.Verifier, a.Resolver, a.Directory, a.Outbox, clk, activitypub.InboxOptions{
		Policy: policy,
		Instances: activitypub.InstancePolicy{
			Blocked:   c.Federation.BlockedInstances,
			AllowList: c.Federation.AllowList,
			Allowed:   c.Federation.AllowedInstances,
		},
	}, log.Named("inbox"))
	return a, nil
}

func userAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub", util.Name, util.GetVersion())
}

// loadSealer returns nil when no identity file is configured. A missing
// identity file is created with a fresh identity.
func loadSealer(path string, layout util.Layout) (activitypub.Sealer, error) {
	switch path {
	case "":
		return nil, nil
	case AutoIdentity:
		path = layout.IdentityFile()
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		identity, genErr := activitypub.GenerateAgeIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(identity+"\n"), 0600); err != nil {
			return nil, fmt.Errorf("failed to write age identity: %w", err)
		}
		b = []byte(identity)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read age identity: %w", err)
	}
	return activitypub.NewAgeSealer(string(b))
}

func (a *App) Close() error {
	return a.Store.Close()
}

// Serve runs the delivery engine and the HTTP server until ctx is done or
// either of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv := web.NewServer(a.Store, a.Directory, a.Inbox, web.Options{}, a.Log.Named("web"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx, a.Conf.ListenAddr()) })
	return g.Wait()
}

// Deliver runs the engine until every job in jobs is Delivered or Failed,
// or until wait has passed. Jobs still pending are left for the next run.
// The engine runs once per App.
func (a *App) Deliver(ctx context.Context, jobs []*domain.DeliveryJob, wait time.Duration) ([]*domain.DeliveryJob, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Engine.Run(runCtx) }()

	current, err := a.waitFor(ctx, jobs, time.Now().Add(wait))
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return current, err
}

func (a *App) waitFor(ctx context.Context, jobs []*domain.DeliveryJob, deadline time.Time) ([]*domain.DeliveryJob, error) {
	current := make([]*domain.DeliveryJob, len(jobs))
	for {
		finished := true
		for i, j := range jobs {
			job, ok, err := db.GetJSON[domain.DeliveryJob](ctx, a.Store, db.JobKey(j.ID.String()))
			if err != nil {
				return nil, err
			}
			if !ok {
				job = j
			}
			current[i] = job
			finished = finished && job.Terminal()
		}
		if finished || !time.Now().Before(deadline) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
