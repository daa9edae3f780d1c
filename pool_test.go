package onvifctl

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockPool(idle time.Duration) (*Pool, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPool(PoolConfig{IdleTimeout: idle}, zerolog.Nop(), nil)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestPoolReusesReleasedClient(t *testing.T) {
	p, _ := newClockPool(time.Minute)
	defer p.Shutdown()

	creds := Credentials{Username: "admin", Password: "pw"}
	a := p.Acquire("http://cam/onvif/device_service", creds)
	p.Release(a)
	b := p.Acquire("http://cam/onvif/device_service", creds)
	p.Release(b)

	assert.Same(t, a, b)
	assert.Equal(t, 1, p.Len())
}

func TestPoolConcurrentAcquireGetsDistinctClients(t *testing.T) {
	p, _ := newClockPool(time.Minute)
	defer p.Shutdown()

	creds := Credentials{Username: "admin", Password: "pw"}
	a := p.Acquire("http://cam/onvif/device_service", creds)
	b := p.Acquire("http://cam/onvif/device_service", creds)
	require.NotSame(t, a, b)

	// The overflow client is dropped on release; the pooled one stays
	p.Release(b)
	p.Release(a)
	c := p.Acquire("http://cam/onvif/device_service", creds)
	assert.Same(t, a, c)
	assert.Equal(t, 1, p.Len())
}

func TestPoolKeysByURLAndUsername(t *testing.T) {
	p, _ := newClockPool(time.Minute)
	defer p.Shutdown()

	a := p.Acquire("http://cam1", Credentials{Username: "u1"})
	b := p.Acquire("http://cam1", Credentials{Username: "u2"})
	c := p.Acquire("http://cam2", Credentials{Username: "u1"})
	assert.NotSame(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 3, p.Len())
}

func TestPoolReplacesClientOnPasswordChange(t *testing.T) {
	p, _ := newClockPool(time.Minute)
	defer p.Shutdown()

	a := p.Acquire("http://cam", Credentials{Username: "u", Password: "old"})
	p.Release(a)
	b := p.Acquire("http://cam", Credentials{Username: "u", Password: "new"})

	assert.NotSame(t, a, b)
	assert.Equal(t, "new", b.Credentials().Password)
}

func TestPoolSweepRemovesIdleEntries(t *testing.T) {
	p, now := newClockPool(time.Minute)
	defer p.Shutdown()

	idle := p.Acquire("http://idle", Credentials{})
	p.Release(idle)
	busy := p.Acquire("http://busy", Credentials{})

	*now = now.Add(30 * time.Second)
	assert.Equal(t, 0, p.Sweep())

	*now = now.Add(time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, 1, p.Len())

	// A swept key is recreated on demand
	again := p.Acquire("http://idle", Credentials{})
	assert.NotSame(t, idle, again)

	p.Release(busy)
	p.Release(again)
}

func TestPoolConcurrentUse(t *testing.T) {
	p, _ := newClockPool(time.Minute)
	defer p.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := p.Acquire("http://cam", Credentials{Username: "u"})
				p.Release(c)
				if j%10 == 0 {
					p.Sweep()
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Len(), 1)
}

func TestPoolShutdown(t *testing.T) {
	p := NewPool(PoolConfig{SweepInterval: 10 * time.Millisecond, IdleTimeout: time.Millisecond}, zerolog.Nop(), nil)
	p.Release(p.Acquire("http://cam", Credentials{}))
	p.Shutdown()
	p.Shutdown()
	assert.Equal(t, 0, p.Len())
}
