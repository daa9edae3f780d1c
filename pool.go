package onvifctl

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type poolKey struct {
	serviceURL string
	username   string
}

type pooledConn struct {
	client   *Client
	lastUsed time.Time
	inUse    bool
}

// bucket guards the single pooled entry of one key. A dead bucket has been
// removed from the pool by the sweeper and must not be reused.
type bucket struct {
	mu    sync.Mutex
	entry *pooledConn
	dead  bool
}

// Pool reuses RPC clients per (service URL, username). At most one client
// per key is pooled; a concurrent Acquire on a busy key gets an independent
// overflow client that is dropped on Release.
type Pool struct {
	cfg     PoolConfig
	opts    []ClientOption
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	buckets sync.Map // poolKey -> *bucket

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool and starts its idle sweeper
func NewPool(cfg PoolConfig, log zerolog.Logger, metrics *Metrics, opts ...ClientOption) *Pool {
	p := &Pool{
		cfg:     cfg,
		opts:    append([]ClientOption{WithLogger(log), WithMetrics(metrics)}, opts...),
		log:     log.With().Str("component", "pool").Logger(),
		metrics: metrics,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

func (p *Pool) newClient(serviceURL string, creds Credentials) *Client {
	return NewClient(serviceURL, creds, p.opts...)
}

// Acquire returns a client for serviceURL and creds. It never blocks on
// another caller's use of the same key.
func (p *Pool) Acquire(serviceURL string, creds Credentials) *Client {
	key := poolKey{serviceURL: serviceURL, username: creds.Username}

	for {
		v, _ := p.buckets.LoadOrStore(key, &bucket{})
		b := v.(*bucket)

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}

		now := p.now()
		switch {
		case b.entry == nil:
			b.entry = &pooledConn{client: p.newClient(serviceURL, creds), lastUsed: now, inUse: true}
			c := b.entry.client
			b.mu.Unlock()
			p.metrics.setPoolClients(p.Len())
			p.log.Debug().Str("service_url", serviceURL).Object("credentials", creds).Msg("pooled new client")
			return c

		case b.entry.inUse:
			b.mu.Unlock()
			p.log.Debug().Str("service_url", serviceURL).Msg("key busy, using overflow client")
			return p.newClient(serviceURL, creds)

		default:
			if b.entry.client.creds.Password != creds.Password {
				b.entry.client = p.newClient(serviceURL, creds)
			}
			b.entry.inUse = true
			b.entry.lastUsed = now
			c := b.entry.client
			b.mu.Unlock()
			return c
		}
	}
}

// Release returns a client obtained from Acquire. Overflow clients are
// simply dropped.
func (p *Pool) Release(c *Client) {
	if c == nil {
		return
	}
	key := poolKey{serviceURL: c.serviceURL, username: c.creds.Username}
	v, ok := p.buckets.Load(key)
	if !ok {
		return
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entry != nil && b.entry.client == c {
		b.entry.inUse = false
		b.entry.lastUsed = p.now()
	}
}

// Sweep removes idle entries unused for longer than the idle timeout and
// returns how many were removed
func (p *Pool) Sweep() int {
	now := p.now()
	removed := 0

	p.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.entry == nil || (!b.entry.inUse && now.Sub(b.entry.lastUsed) > p.cfg.IdleTimeout) {
			if b.entry != nil {
				b.entry.client.httpClient.CloseIdleConnections()
				removed++
			}
			b.entry = nil
			b.dead = true
			p.buckets.CompareAndDelete(k, b)
		}
		b.mu.Unlock()
		return true
	})

	if removed > 0 {
		p.metrics.setPoolClients(p.Len())
		p.log.Debug().Int("removed", removed).Msg("swept idle clients")
	}
	return removed
}

// Len returns the number of pooled entries
func (p *Pool) Len() int {
	n := 0
	p.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.entry != nil {
			n++
		}
		b.mu.Unlock()
		return true
	})
	return n
}

// Shutdown stops the sweeper and drops all pooled clients
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()

	p.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.entry != nil {
			b.entry.client.httpClient.CloseIdleConnections()
		}
		b.entry = nil
		b.dead = true
		p.buckets.Delete(k)
		b.mu.Unlock()
		return true
	})
	p.metrics.setPoolClients(0)
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}
