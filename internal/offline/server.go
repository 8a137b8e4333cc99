package offline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	controlPrefix = "/__offline0/"
	clientCookie  = "offline0_client"
	kindHeader    = "X-Offline0"

	kindUncontrolled = "uncontrolled"
	kindBadGateway   = "bad-gateway"
)

// Server is the host side: it dispatches lifecycle, fetch and message events
// to the agents of one registration.
type Server struct {
	cfg     Config
	storage Storage
	net     Fetcher
	reg     *Registration

	stats *statsCollector

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewServer(cfg Config, storage Storage, net Fetcher) *Server {
	if net == nil {
		net = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Server{
		cfg:     cfg,
		storage: storage,
		net:     net,
		reg:     NewRegistration(),
		stopCh:  make(chan struct{}),
	}
	if cfg.Clients.Max > 0 {
		s.reg.maxClients = cfg.Clients.Max
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	if idle := cfg.Clients.idleTimeoutDur; idle > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(idle)
		}()
	}
	return s
}

func (s *Server) Registration() *Registration { return s.reg }

// NewAgent builds an agent sharing the server's storage and network.
func (s *Server) NewAgent(cfg Config) *Agent {
	a := NewAgent(cfg, s.storage, s.net)
	a.stats = s.stats
	return a
}

// Start installs (and, when possible, activates) the configured version. When
// the install fails but a store for the version survives from an earlier run,
// that store is served as is.
func (s *Server) Start(ctx context.Context) error {
	a := s.NewAgent(s.cfg)
	err := s.reg.Register(ctx, a)
	if err == nil {
		return nil
	}
	names, nerr := s.storage.Names(ctx)
	if nerr != nil || !slices.Contains(names, a.Version()) || !s.reg.Restore(a) {
		return err
	}
	log.WithError(err).WithField("version", a.Version()).Warn("install failed, serving the stored version")
	return nil
}

// Update registers an agent for cfg when its version differs from the active
// and waiting ones. The new version waits for open clients unless it is
// configured to activate immediately.
func (s *Server) Update(ctx context.Context, cfg Config) error {
	if a, err := s.reg.Active(); err == nil && a.Version() == cfg.Cache.Version {
		return nil
	}
	if a := s.reg.Waiting(); a != nil && a.Version() == cfg.Cache.Version {
		return nil
	}
	return s.reg.Register(ctx, s.NewAgent(cfg))
}

func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.reg.Wait()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controlPrefix+"message", s.handleMessage)
	mux.HandleFunc("POST "+controlPrefix+"close", s.handleClose)
	mux.HandleFunc("GET "+controlPrefix+"stores", s.handleStores)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, MetricsHandler())
	}
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	clientID := s.clientID(w, r)
	req := RequestFromHTTP(r, s.targetURL(r))
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		req.Body = r.Body
	}

	agent := s.reg.Controller(clientID, req.IsNavigation())
	if agent == nil {
		s.passThrough(w, r, req)
		return
	}

	ent, kind, err := agent.Fetch(r.Context(), req)
	if err != nil {
		log.WithError(err).WithField("url", req.URL).Debug("fetch failed")
		setKindHeaders(w.Header(), kindBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, ent, kind)
}

func (s *Server) passThrough(w http.ResponseWriter, r *http.Request, req Request) {
	ent, err := fetchEntry(r.Context(), s.net, s.cfg.Cache.scopeURL, req)
	if err != nil {
		setKindHeaders(w.Header(), kindBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, ent, kindUncontrolled)
}

// targetURL is the absolute URL a request addresses. Absolute-form request
// URIs (forward proxy style) are used as-is.
func (s *Server) targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return s.cfg.Server.Origin + r.URL.RequestURI()
}

func (s *Server) clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(clientCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}
	a, err := s.reg.Active()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	reply, err := a.HandleMessage(r.Context(), msg)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		writeJSON(w, http.StatusBadRequest, reply)
	case err != nil:
		log.WithError(err).WithField("type", msg.Type).Warn("message failed")
		writeJSON(w, http.StatusInternalServerError, reply)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(clientCookie)
	if err != nil || c.Value == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.reg.Close(r.Context(), c.Value); err != nil {
		log.WithError(err).Warn("promote waiting version")
	}
	w.WriteHeader(http.StatusNoContent)
}

type storeInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type storesReply struct {
	Active  string      `json:"active,omitempty"`
	Waiting string      `json:"waiting,omitempty"`
	Stores  []storeInfo `json:"stores"`
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	stores, err := listStores(r.Context(), s.storage)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := storesReply{Stores: stores}
	if a, err := s.reg.Active(); err == nil {
		out.Active = a.Version()
	}
	if a := s.reg.Waiting(); a != nil {
		out.Waiting = a.Version()
	}
	writeJSON(w, http.StatusOK, out)
}

func listStores(ctx context.Context, storage Storage) ([]storeInfo, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storeInfo, 0, len(names))
	for _, name := range names {
		keys, err := storage.Cache(name).Keys(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, storeInfo{Name: name, Entries: len(keys)})
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, kind string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, kindHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setKindHeaders(w.Header(), kind)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setKindHeaders(h http.Header, kind string) {
	if kind != "" {
		h.Set(kindHeader, kind)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, kindHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Server) sweepLoop(idle time.Duration) {
	every := idle / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := s.reg.SweepIdle(ctx, idle)
			cancel()
			if err != nil {
				log.WithError(err).Warn("promote waiting version")
			}
			if n > 0 {
				log.Debugf("closed %d idle clients", n)
			}
		}
	}
}

type storageSizer interface {
	TotalSize() int64
	RAMSize() int64
}

func (s *Server) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stores, err := listStores(ctx, s.storage)
	if err != nil {
		log.WithError(err).Warn("stats: list stores")
		return
	}
	entries := 0
	for _, st := range stores {
		entries += st.Entries
	}
	var ramTotal, diskTotal uint64
	if sz, ok := s.storage.(storageSizer); ok {
		ramTotal = uint64(sz.RAMSize())
		diskTotal = uint64(sz.TotalSize())
	}
	rss, _ := processRSSBytes()
	ss := s.stats.Snapshot()
	log.Printf(
		"Cached: Stores: %d, Entries: %d, Hit ratio: %.2f, RAM usage: %s, Disk usage: %s, RSS: %s, Resp Min/avg/max %s/%s/%s",
		len(stores),
		entries,
		ss.HitRatio(),
		formatBytes(ramTotal),
		formatBytes(diskTotal),
		formatBytes(rss),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}
