package namespace

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"codeberg.org/mutker/edgetel/internal/actions"
	"codeberg.org/mutker/edgetel/internal/declaration"
	"codeberg.org/mutker/edgetel/internal/dispatch"
	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/listener"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/poller"
	"codeberg.org/mutker/edgetel/internal/sink"
	"codeberg.org/mutker/edgetel/internal/source"
	"golang.org/x/sync/errgroup"
)

// runtime is one installed namespace.
type runtime struct {
	name        string
	fingerprint []byte

	pollers map[string]*poller.Poller
	sources []source.Source
	subs    []*listener.Subscription
	sinks   []dispatch.SinkSpec

	log logger.Logger
}

func fingerprint(ns declaration.Namespace) []byte {
	data, err := json.Marshal(ns)
	if err != nil {
		return nil
	}
	return data
}

// matches reports whether ns is the definition rt was built from.
func (rt *runtime) matches(ns declaration.Namespace) bool {
	fp := fingerprint(ns)
	return fp != nil && bytes.Equal(fp, rt.fingerprint)
}

// build creates everything a namespace needs without starting pollers or
// routing events to its sinks. Listener sockets are bound here so bind
// errors reject the apply.
func (r *Registry) build(ctx context.Context, name string, ns declaration.Namespace) (_ *runtime, err error) {
	errFactory := errors.New()

	rt := &runtime{
		name:        name,
		fingerprint: fingerprint(ns),
		pollers:     make(map[string]*poller.Poller),
		log:         logger.Component("namespace").With("namespace", name),
	}
	defer func() {
		if err != nil {
			rt.discard()
		}
	}()

	if rt.sinks, err = r.buildSinks(ctx, name, ns.Sinks); err != nil {
		return nil, err
	}
	if err = dispatch.Validate(rt.sinks); err != nil {
		return nil, err
	}

	opts := append([]poller.Option{poller.WithRecorder(r.metrics)}, r.pollerOpts...)
	for _, pd := range ns.Pollers {
		if !pd.IsEnabled() {
			continue
		}

		chain, err := actions.Compile(pd.Actions)
		if err != nil {
			return nil, errFactory.Wrapf(errors.ErrAction, err, "poller %q", pd.Name)
		}
		src, err := r.sources.New(pd.Source.Type, pd.Source.Params)
		if err != nil {
			return nil, errFactory.Wrapf(codeOr(err, errors.ErrInvalidDeclaration), err, "poller %q source", pd.Name)
		}
		rt.sources = append(rt.sources, src)

		p, err := poller.New(poller.Config{
			Namespace:    name,
			Name:         pd.Name,
			Schedule:     pd.Schedule,
			Interval:     time.Duration(pd.Interval) * time.Second,
			UseUTC:       pd.UseUTC,
			Source:       src,
			Endpoints:    pd.Endpoints,
			Chain:        chain,
			FetchTimeout: r.fetchTimeout,
		}, r.router, opts...)
		if err != nil {
			return nil, err
		}
		rt.pollers[pd.Name] = p
	}

	for _, ld := range ns.Listeners {
		if !ld.IsEnabled() {
			continue
		}

		chain, err := actions.Compile(ld.Actions)
		if err != nil {
			return nil, errFactory.Wrapf(errors.ErrAction, err, "listener %q", ld.Name)
		}

		sub, err := r.sockets.Subscribe(listener.Spec{
			Namespace: name,
			Name:      ld.Name,
			Key:       listener.Key{Port: ld.Port, Protocol: listener.Protocol(ld.Protocol)},
			Chain:     chain,
			QueueSize: r.listenerQueueSize,
		}, r.router.Dispatch)
		if err != nil {
			return nil, errFactory.Wrapf(codeOr(err, errors.ErrListenerBind), err, "listener %q", ld.Name)
		}
		rt.subs = append(rt.subs, sub)
	}

	return rt, nil
}

// buildSinks configures the enabled sinks concurrently.
func (r *Registry) buildSinks(ctx context.Context, name string, decls []declaration.Sink) ([]dispatch.SinkSpec, error) {
	var enabled []declaration.Sink
	for _, sd := range decls {
		if sd.IsEnabled() {
			enabled = append(enabled, sd)
		}
	}

	specs := make([]dispatch.SinkSpec, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	for i, sd := range enabled {
		g.Go(func() error {
			mode := sink.Mode(sd.Mode)
			s, err := r.sinks.New(gctx, sd.Type, mode, sd.Params)
			if err != nil {
				return errors.New().Wrapf(codeOr(err, errors.ErrInvalidDeclaration), err, "sink %q", sd.Name)
			}
			specs[i] = dispatch.SinkSpec{Name: sd.Name, Type: sd.Type, Mode: mode, Sink: s}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, spec := range specs {
			if spec.Sink != nil {
				_ = spec.Sink.Close()
			}
		}
		return nil, err
	}

	return specs, nil
}

// install routes the namespace's events to its sinks and starts its
// listeners and pollers. It returns the workers of the sinks it replaced.
func (rt *runtime) install(router *dispatch.Router) *dispatch.Detached {
	detached, err := router.InstallNamespace(rt.name, rt.sinks)
	if err != nil {
		rt.log.ErrorWithCode(err).Msg("Failed to route namespace")
	}

	for _, sub := range rt.subs {
		sub.Start()
	}

	for _, p := range rt.pollers {
		if err := p.Start(); err != nil {
			rt.log.ErrorWithCode(err).Str("poller", p.Name()).Msg("Failed to start poller")
		}
	}

	return detached
}

func (rt *runtime) stopPollers() {
	for _, p := range rt.pollers {
		p.Stop()
	}
}

// closeListeners detaches the namespace's subscriptions and drains their
// queued messages.
func (rt *runtime) closeListeners() {
	for _, sub := range rt.subs {
		sub.Close()
	}
}

// release closes the namespace's subscriptions now and its sinks and
// sources once the detached workers have finished their in-flight sends.
func (rt *runtime) release(detached *dispatch.Detached, wg *sync.WaitGroup) {
	rt.closeListeners()

	wg.Add(1)
	go func() {
		defer wg.Done()
		detached.Wait()
		rt.closeSinks()
		rt.closeSources()
	}()
}

// discard tears down a namespace that was built but never installed.
func (rt *runtime) discard() {
	rt.stopPollers()
	rt.closeListeners()
	rt.closeSinks()
	rt.closeSources()
}

func (rt *runtime) closeSinks() {
	for _, spec := range rt.sinks {
		if spec.Sink == nil {
			continue
		}
		if err := spec.Sink.Close(); err != nil {
			rt.log.WarnWithCode(err).Str("sink", spec.Name).Msg("Failed to close sink")
		}
	}
}

func (rt *runtime) closeSources() {
	for _, src := range rt.sources {
		if err := src.Close(); err != nil {
			rt.log.WarnWithCode(err).Msg("Failed to close source")
		}
	}
}
