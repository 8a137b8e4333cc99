package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrNoActiveWorker = errors.New("no active worker")

type clientState struct {
	agent    *Agent // nil while uncontrolled
	lastSeen time.Time
}

// Registration tracks which agent version is active, which one is waiting to
// take over, and which agent controls each open client.
type Registration struct {
	// amu serializes activations.
	amu sync.Mutex

	mu      sync.Mutex
	active  *Agent
	waiting *Agent
	clients map[string]*clientState
	agents  []*Agent

	// maxClients bounds the client table; the least recently seen client is
	// forgotten to make room. Zero means unbounded.
	maxClients int

	now func() time.Time
}

const defaultMaxClients = 10000

func NewRegistration() *Registration {
	return &Registration{clients: map[string]*clientState{}, maxClients: defaultMaxClients, now: time.Now}
}

// Register installs a and activates it when nothing holds it back: there is
// no active agent, a asked to skip waiting, or the active agent controls no
// clients. An install failure leaves the current active agent in place.
func (r *Registration) Register(ctx context.Context, a *Agent) error {
	res, err := a.Install(ctx)
	if err != nil {
		return errors.Wrapf(err, "install %s", a.Version())
	}

	r.mu.Lock()
	r.agents = append(r.agents, a)
	r.waiting = a
	promote := res.SkipWaiting || r.active == nil || r.controlledLocked(r.active) == 0
	var current string
	if r.active != nil {
		current = r.active.Version()
	}
	r.mu.Unlock()

	if !promote {
		log.WithFields(log.Fields{"version": a.Version(), "active": current}).
			Info("installed, waiting for clients of the active version to close")
		return nil
	}
	return r.activateWaiting(ctx)
}

// Restore makes a active without installing it, for a version whose store
// already exists. It does nothing if another agent is active.
func (r *Registration) Restore(a *Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return false
	}
	r.active = a
	r.agents = append(r.agents, a)
	return true
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.amu.Lock()
	defer r.amu.Unlock()

	r.mu.Lock()
	a := r.waiting
	r.mu.Unlock()
	if a == nil {
		return nil
	}

	res, err := a.Activate(ctx)
	if err != nil {
		return errors.Wrapf(err, "activate %s", a.Version())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == a {
		r.waiting = nil
	}
	prev := r.active
	r.active = a
	for _, c := range r.clients {
		switch {
		case res.ClaimClients:
			c.agent = a
		case prev != nil && c.agent == prev:
			// Replaced under its clients: they stay uncontrolled until the
			// next navigation.
			c.agent = nil
		}
	}
	return nil
}

// Controller returns the agent that handles a fetch from clientID, or nil
// when the client is uncontrolled. Navigations (and unknown clients) attach
// to the active agent.
func (r *Registration) Controller(clientID string, navigation bool) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		if r.maxClients > 0 && len(r.clients) >= r.maxClients {
			r.evictOldestLocked()
		}
		c = &clientState{}
		r.clients[clientID] = c
		navigation = true
	}
	c.lastSeen = r.now()
	if navigation {
		c.agent = r.active
	}
	return c.agent
}

// Active returns the active agent or ErrNoActiveWorker.
func (r *Registration) Active() (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveWorker
	}
	return r.active, nil
}

// Waiting returns the installed agent that has not activated yet, if any.
func (r *Registration) Waiting() *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Close forgets clientID and promotes a waiting agent once the active agent
// no longer controls any client.
func (r *Registration) Close(ctx context.Context, clientID string) error {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
	return r.maybePromote(ctx)
}

// SweepIdle closes clients not seen for maxIdle.
func (r *Registration) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	n := 0
	for id, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, id)
			n++
		}
	}
	r.mu.Unlock()
	return n, r.maybePromote(ctx)
}

func (r *Registration) maybePromote(ctx context.Context) error {
	r.mu.Lock()
	promote := r.waiting != nil && (r.active == nil || r.controlledLocked(r.active) == 0)
	r.mu.Unlock()
	if !promote {
		return nil
	}
	return r.activateWaiting(ctx)
}

// Clients lists open client ids by controlling version ("" for uncontrolled).
func (r *Registration) Clients() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string][]string{}
	for id, c := range r.clients {
		v := ""
		if c.agent != nil {
			v = c.agent.Version()
		}
		out[v] = append(out[v], id)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

func (r *Registration) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, c := range r.clients {
		if oldestID == "" || c.lastSeen.Before(oldest) {
			oldestID, oldest = id, c.lastSeen
		}
	}
	delete(r.clients, oldestID)
}

func (r *Registration) controlledLocked(a *Agent) int {
	n := 0
	for _, c := range r.clients {
		if c.agent == a {
			n++
		}
	}
	return n
}

// Wait blocks until background writes of every registered agent finish.
func (r *Registration) Wait() {
	r.mu.Lock()
	agents := append([]*Agent(nil), r.agents...)
	r.mu.Unlock()
	for _, a := range agents {
		a.Wait()
	}
}
