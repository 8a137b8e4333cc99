package offline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Fetch outcomes, reported in the X-Offline0 response header.
const (
	KindHit      = "hit"
	KindMiss     = "miss"
	KindNoCache  = "nocache"
	KindFallback = "fallback"
	KindBypass   = "bypass"
)

var (
	ErrPrecacheFailed = errors.New("precache failed")
	ErrUnknownMessage = errors.New("unknown message type")
)

// PrecacheError reports the asset that made an install fail.
type PrecacheError struct {
	URL    string
	Status int
	Err    error
}

func (e *PrecacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: unexpected status %d", e.URL, e.Status)
}

func (e *PrecacheError) Unwrap() error { return e.Err }

func (e *PrecacheError) Is(target error) bool { return target == ErrPrecacheFailed }

// Agent answers fetches for one cache version. It keeps no state between
// events other than the contents of its storage.
type Agent struct {
	cfg     Config
	storage Storage
	net     Fetcher

	bgSem chan struct{}
	wg    sync.WaitGroup

	writeFailLog *rateLimitedLogger
	stats        *statsCollector
}

// NewAgent returns an agent for cfg.Cache.Version. cfg must come from
// LoadConfig (or have been compiled).
func NewAgent(cfg Config, storage Storage, net Fetcher) *Agent {
	if net == nil {
		net = &http.Client{Timeout: 30 * time.Second}
	}
	return &Agent{
		cfg:          cfg,
		storage:      storage,
		net:          net,
		bgSem:        make(chan struct{}, 32),
		writeFailLog: newRateLimitedLogger(1 * time.Minute),
	}
}

func (a *Agent) Version() string { return a.cfg.Cache.Version }

func (a *Agent) Config() Config { return a.cfg }

// Wait blocks until background cache writes have finished.
func (a *Agent) Wait() { a.wg.Wait() }

// Install fetches every asset and stores them in the version's cache. Either
// all assets are stored or none are.
func (a *Agent) Install(ctx context.Context) (res InstallResult, err error) {
	defer func() { observeLifecycle("install", err) }()

	urls := a.cfg.AssetURLs()
	logger := log.WithFields(log.Fields{"version": a.Version(), "assets": len(urls)})
	logger.Info("installing and caching app shell")

	items := make([]Item, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Cache.PrecacheConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			ent, err := a.fetchNetwork(gctx, Request{Method: http.MethodGet, URL: u})
			if err != nil {
				return &PrecacheError{URL: u, Err: err}
			}
			if ent.Status < 200 || ent.Status >= 300 {
				return &PrecacheError{URL: u, Status: ent.Status}
			}
			items[i] = Item{Key: u, Entry: storable(ent)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Warn("install failed")
		return InstallResult{}, err
	}

	cache, err := a.storage.Open(ctx, a.Version())
	if err != nil {
		return InstallResult{}, errors.Wrap(err, "open cache")
	}
	if err := cache.PutAll(ctx, items); err != nil {
		return InstallResult{}, errors.Wrap(err, "store assets")
	}
	logger.Info("installed")
	return InstallResult{
		Version:     a.Version(),
		Cached:      len(items),
		SkipWaiting: a.cfg.Lifecycle.ActivateImmediately,
	}, nil
}

// Activate deletes every cache whose name is not the agent's version.
func (a *Agent) Activate(ctx context.Context) (res ActivateResult, err error) {
	defer func() { observeLifecycle("activate", err) }()

	names, err := a.storage.Names(ctx)
	if err != nil {
		return ActivateResult{}, errors.Wrap(err, "list caches")
	}
	var deleted []string
	for _, name := range names {
		if name == a.Version() {
			continue
		}
		if _, err := a.storage.Delete(ctx, name); err != nil {
			return ActivateResult{Version: a.Version(), Deleted: deleted}, errors.Wrapf(err, "delete cache %s", name)
		}
		deleted = append(deleted, name)
	}
	log.WithFields(log.Fields{"version": a.Version(), "deleted": deleted}).Info("activated, old caches cleaned")
	return ActivateResult{
		Version:      a.Version(),
		Deleted:      deleted,
		ClaimClients: a.cfg.Lifecycle.ClaimOpenClients,
	}, nil
}

// Intercepts reports whether Fetch answers req from the cache policy. Other
// requests go to the network untouched.
func (a *Agent) Intercepts(req Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	return !a.cfg.excluded(req.URL)
}

// Fetch answers req cache-first. A network failure for a navigation falls
// back to the cached root document; any other failure wraps ErrNetwork.
func (a *Agent) Fetch(ctx context.Context, req Request) (CacheEntry, string, error) {
	if !a.Intercepts(req) {
		ent, err := a.fetchNetwork(ctx, req)
		if err != nil {
			return CacheEntry{}, KindBypass, err
		}
		a.observe(KindBypass, ent)
		return ent, KindBypass, nil
	}

	ent, ok, err := a.storage.Cache(a.Version()).Match(ctx, req.Key())
	if err != nil {
		log.WithError(err).WithField("url", req.URL).Warn("cache match failed")
	}
	if ok {
		a.observe(KindHit, ent)
		return ent, KindHit, nil
	}

	ent, err = a.fetchNetwork(ctx, req)
	if err != nil {
		if req.IsNavigation() && a.cfg.Cache.fallbackURL != "" {
			fb, ok, merr := a.storage.Cache(a.Version()).Match(ctx, a.cfg.Cache.fallbackURL)
			if merr == nil && ok {
				a.observe(KindFallback, fb)
				return fb, KindFallback, nil
			}
		}
		FetchTotal.WithLabelValues("error").Inc()
		return CacheEntry{}, "", err
	}

	if !cacheable(ent) {
		a.observe(KindNoCache, ent)
		return ent, KindNoCache, nil
	}
	a.putAsync(req.Key(), ent)
	a.observe(KindMiss, ent)
	return ent, KindMiss, nil
}

// HandleMessage processes a control message.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	switch msg.Type {
	case MessageClearCache:
		deleted, err := clearAll(ctx, a.storage)
		if err != nil {
			return Reply{Type: msg.Type, Deleted: deleted}, err
		}
		log.WithField("deleted", deleted).Info("all caches cleared")
		return Reply{Type: msg.Type, OK: true, Deleted: deleted}, nil
	default:
		return Reply{Type: msg.Type}, errors.Wrapf(ErrUnknownMessage, "%q", msg.Type)
	}
}

// clearAll deletes every cache in storage.
func clearAll(ctx context.Context, storage Storage) ([]string, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list caches")
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := storage.Delete(ctx, name); err != nil {
			return deleted, errors.Wrapf(err, "delete cache %s", name)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

func (a *Agent) fetchNetwork(ctx context.Context, req Request) (CacheEntry, error) {
	if d := a.cfg.Cache.fetchTimeoutDur; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fetchEntry(ctx, a.net, a.cfg.Cache.scopeURL, req)
}

// putAsync stores ent in the background. Writes are dropped when too many are
// pending; failures are logged and never retried.
func (a *Agent) putAsync(key string, ent CacheEntry) {
	ent = storable(ent)
	select {
	case a.bgSem <- struct{}{}:
	default:
		CacheWriteFailures.Inc()
		a.writeFailLog.Warnf("cache write dropped for %s: too many pending writes", key)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cache, err := a.storage.Open(ctx, a.Version())
		if err == nil {
			err = cache.Put(ctx, key, ent)
		}
		if err != nil {
			CacheWriteFailures.Inc()
			a.writeFailLog.Warnf("cache write failed for %s: %v", key, err)
		}
	}()
}

func (a *Agent) observe(kind string, ent CacheEntry) {
	FetchTotal.WithLabelValues(kind).Inc()
	ResponseSize.WithLabelValues(kind).Observe(float64(len(ent.Body)))
	if a.stats != nil {
		a.stats.Observe(kind, len(ent.Body))
	}
}
