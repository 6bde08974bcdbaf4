// Package worker composes the cache store, interceptor, lifecycle manager,
// submission queue and expiry into one offline worker for an origin.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/expiry"
	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/network"
	"github.com/wolfeidau/offline-cache/queue"
)

// SyncTag is the only sync tag that replays the submission queue.
const SyncTag = "background-sync"

// Config configures a Worker.
type Config struct {
	// Origin is the registration scope; every request is for this origin.
	Origin *url.URL
	// Version is the version to install and activate on Start.
	Version lifecycle.Version
	// DiscoverAssets extends each installed manifest with the same-origin
	// assets its HTML pages reference.
	DiscoverAssets bool

	FetchTimeout time.Duration
	MaxBodySize  int64

	QueueMaxAttempts  int
	QueueKeyByURL     bool
	ReplayConcurrency int

	Expiry expiry.Config

	// ProbeInterval enables the connectivity monitor when positive.
	ProbeInterval time.Duration
	ProbePath     string

	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Worker is the offline worker.
type Worker struct {
	cfg     Config
	logger  *slog.Logger
	backend backend.Backend

	store        *cachestore.Store
	network      *network.Client
	precache     *network.Client
	interceptor  *fetch.Interceptor
	lifecycle    *lifecycle.Manager
	queue        *queue.Queue
	expiry       *expiry.Manager
	dispatcher   *Dispatcher
	connectivity *Connectivity
}

// New builds a worker over b. The backend is owned by the caller.
func New(b backend.Backend, cfg Config) (*Worker, error) {
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, errors.New("worker origin must be an absolute URL")
	}
	if err := cfg.Version.Validate(); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	netOpts := func(purpose string) []network.Option {
		opts := []network.Option{network.WithPurpose(purpose), network.WithLogger(logger)}
		if cfg.FetchTimeout > 0 {
			opts = append(opts, network.WithTimeout(cfg.FetchTimeout))
		}
		if cfg.MaxBodySize > 0 {
			opts = append(opts, network.WithMaxBodySize(cfg.MaxBodySize))
		}
		if cfg.Transport != nil {
			opts = append(opts, network.WithTransport(cfg.Transport))
		}
		return opts
	}

	w := &Worker{
		cfg:     cfg,
		logger:  logger.With("component", "worker"),
		backend: b,
		network: network.New(cfg.Origin, netOpts("fetch")...),
	}

	w.precache = network.New(cfg.Origin, netOpts("precache")...).FollowingRedirects()
	store, err := cachestore.New(b, cfg.Origin,
		cachestore.WithLogger(logger),
		cachestore.WithFetcher(w.precache),
	)
	if err != nil {
		return nil, err
	}
	w.store = store

	w.interceptor = fetch.New(store, w.network, fetch.WithLogger(logger))
	w.lifecycle = lifecycle.New(store, b, lifecycle.WithLogger(logger))
	w.lifecycle.OnActivate(w.useVersion)

	queueOpts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithMaxAttempts(cfg.QueueMaxAttempts),
		queue.WithConcurrency(cfg.ReplayConcurrency),
	}
	if cfg.QueueKeyByURL {
		queueOpts = append(queueOpts, queue.KeyByURL())
	}
	w.queue = queue.New(b, network.New(cfg.Origin, netOpts("replay")...), cfg.Origin, queueOpts...)

	expCfg := cfg.Expiry
	if expCfg.Logger == nil {
		expCfg.Logger = logger
	}
	w.expiry = expiry.NewManager(store, w.dynamicNamespace, expCfg)

	w.dispatcher = NewDispatcher(logger)
	w.dispatcher.On(EventInstall, w.handleInstall)
	w.dispatcher.On(EventActivate, w.handleActivate)
	w.dispatcher.On(EventFetch, w.handleFetch)
	w.dispatcher.On(EventSync, w.handleSync)

	if cfg.ProbeInterval > 0 {
		w.connectivity = NewConnectivity(w.network, cfg.ProbePath, cfg.ProbeInterval, w.onOnline, logger)
	}
	return w, nil
}

// useVersion switches the interceptor to v's namespaces.
func (w *Worker) useVersion(v lifecycle.Version) {
	strategy, err := fetch.StrategyFor(v.Strategy)
	if err != nil {
		w.logger.Error("activated version has unknown strategy", "version", v.Tag, "error", err)
		return
	}
	route := fetch.Route{
		Version:  v.Tag,
		Precache: v.Precache,
		Dynamic:  v.Dynamic,
		Strategy: strategy,
	}
	if err := w.interceptor.Use(route); err != nil {
		w.logger.Error("failed to switch route", "version", v.Tag, "error", err)
	}
}

func (w *Worker) dynamicNamespace() (cachestore.Namespace, bool) {
	active, ok := w.lifecycle.Active()
	if !ok {
		return cachestore.Namespace{}, false
	}
	return active.Version.Dynamic, !active.Version.Dynamic.IsZero()
}

func (w *Worker) onOnline(ctx context.Context) {
	if _, err := w.Sync(ctx, SyncTag); err != nil {
		w.logger.Error("sync after reconnect failed", "error", err)
	}
}

// Start restores the persisted registration and installs the configured
// version if it is not already active. A failed install leaves the worker
// serving the previous version, or passing requests through when there is
// none, and is returned. Background expiry and connectivity start either
// way.
func (w *Worker) Start(ctx context.Context) error {
	restored, err := w.lifecycle.Restore(ctx)
	if err != nil {
		w.logger.Warn("failed to restore registration", "error", err)
	}

	var installErr error
	active, ok := w.lifecycle.Active()
	if !restored || !ok || active.Version.Tag != w.cfg.Version.Tag {
		installErr = w.Update(ctx, w.cfg.Version)
	}

	if err := w.expiry.Start(ctx); err != nil {
		return err
	}
	if w.connectivity != nil {
		w.connectivity.Start(ctx)
	}
	return installErr
}

// Update installs v and activates it once installed.
func (w *Worker) Update(ctx context.Context, v lifecycle.Version) error {
	if _, err := w.dispatcher.Dispatch(ctx, Event{Type: EventInstall, Version: &v}).Wait(ctx); err != nil {
		return err
	}
	_, err := w.dispatcher.Dispatch(ctx, Event{Type: EventActivate}).Wait(ctx)
	return err
}

// Fetch answers one request through the interceptor. req.URL may be
// relative to the origin.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*fetch.Result, error) {
	val, err := w.dispatcher.Dispatch(ctx, Event{Type: EventFetch, Request: req}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return val.(*fetch.Result), nil
}

// Sync replays the submission queue for SyncTag. Other tags are ignored and
// return a nil result.
func (w *Worker) Sync(ctx context.Context, tag string) (*queue.ReplayResult, error) {
	if tag != SyncTag {
		w.logger.Debug("ignoring sync tag", "tag", tag)
		return nil, nil
	}
	val, err := w.dispatcher.Dispatch(ctx, Event{Type: EventSync, Tag: tag}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return val.(*queue.ReplayResult), nil
}

// Capture queues a submission for the next sync.
func (w *Worker) Capture(ctx context.Context, rawURL string, body []byte, header http.Header) (*queue.Submission, error) {
	return w.queue.Capture(ctx, rawURL, body, header)
}

// Pending lists submissions awaiting delivery.
func (w *Worker) Pending(ctx context.Context) ([]*queue.Submission, error) {
	return w.queue.Pending(ctx)
}

// Dead lists submissions that exhausted their attempts.
func (w *Worker) Dead(ctx context.Context) ([]*queue.Submission, error) {
	return w.queue.Dead(ctx)
}

// Remove deletes a queued submission.
func (w *Worker) Remove(ctx context.Context, id string) error {
	return w.queue.Remove(ctx, id)
}

// Registration returns the persisted registration.
func (w *Worker) Registration(ctx context.Context) (*lifecycle.Registration, error) {
	return w.lifecycle.Registration(ctx)
}

// Expire runs one dynamic cache expiry pass.
func (w *Worker) Expire(ctx context.Context) *expiry.ExpireResult {
	return w.expiry.RunOnce(ctx)
}

func (w *Worker) handleInstall(ctx context.Context, ev Event) (any, error) {
	if ev.Version == nil {
		return nil, errors.New("install event without version")
	}
	v := *ev.Version
	if w.cfg.DiscoverAssets {
		manifest, err := w.precache.Discover(ctx, v.Manifest)
		if err != nil {
			w.logger.Warn("asset discovery failed, using manifest as given", "version", v.Tag, "error", err)
		} else {
			v.Manifest = manifest
		}
	}
	return nil, w.lifecycle.Install(ctx, v)
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (any, error) {
	return nil, w.lifecycle.Activate(ctx)
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (any, error) {
	req := ev.Request
	if !req.URL.IsAbs() {
		req = req.Clone(ctx)
		req.URL = w.cfg.Origin.ResolveReference(ev.Request.URL)
	}
	return w.interceptor.Handle(ctx, req)
}

func (w *Worker) handleSync(ctx context.Context, _ Event) (any, error) {
	return w.queue.Replay(ctx)
}

// Online reports the connectivity monitor's view, true when it is disabled.
func (w *Worker) Online() bool {
	if w.connectivity == nil {
		return true
	}
	return w.connectivity.Online()
}

// Store returns the cache store.
func (w *Worker) Store() *cachestore.Store { return w.store }

// Queue returns the submission queue.
func (w *Worker) Queue() *queue.Queue { return w.queue }

// Lifecycle returns the lifecycle manager.
func (w *Worker) Lifecycle() *lifecycle.Manager { return w.lifecycle }

// Interceptor returns the fetch interceptor.
func (w *Worker) Interceptor() *fetch.Interceptor { return w.interceptor }

// Stats is a point-in-time summary of the worker.
type Stats struct {
	Origin     string         `json:"origin"`
	Online     bool           `json:"online"`
	Active     *VersionStatus `json:"active,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Namespaces []string       `json:"namespaces"`
	Pending    int            `json:"pending"`
	Dead       int            `json:"dead"`
	Dynamic    *expiry.Stats  `json:"dynamic,omitempty"`
}

// VersionStatus is a version and its lifecycle state.
type VersionStatus struct {
	Tag         string          `json:"tag"`
	State       lifecycle.State `json:"state"`
	Strategy    fetch.Policy    `json:"strategy"`
	Precache    string          `json:"precache"`
	Dynamic     string          `json:"dynamic,omitempty"`
	ActivatedAt time.Time       `json:"activated_at,omitzero"`
}

func versionStatus(inst lifecycle.Instance) *VersionStatus {
	vs := &VersionStatus{
		Tag:         inst.Version.Tag,
		State:       inst.State,
		Strategy:    inst.Version.Strategy,
		Precache:    inst.Version.Precache.String(),
		ActivatedAt: inst.ActivatedAt,
	}
	if !inst.Version.Dynamic.IsZero() {
		vs.Dynamic = inst.Version.Dynamic.String()
	}
	return vs
}

// Stats collects the worker summary.
func (w *Worker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Origin: offlinecache.Origin(w.cfg.Origin),
		Online: w.Online(),
	}
	if inst, ok := w.lifecycle.Active(); ok {
		stats.Active = versionStatus(inst)
	}
	if inst, ok := w.lifecycle.Waiting(); ok {
		stats.Waiting = versionStatus(inst)
	}

	names, err := w.store.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	stats.Namespaces = names

	pending, err := w.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	stats.Pending = len(pending)
	dead, err := w.queue.Dead(ctx)
	if err != nil {
		return nil, err
	}
	stats.Dead = len(dead)

	dyn, err := w.expiry.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	if dyn.Namespace != "" {
		stats.Dynamic = dyn
	}
	return stats, nil
}

// Close stops background work, drains pending cache writes and releases
// resources. The backend is left open.
func (w *Worker) Close() {
	if w.connectivity != nil {
		w.connectivity.Stop()
	}
	w.expiry.Stop()
	w.dispatcher.Close()
	w.interceptor.Close()
	w.store.Close()
}
