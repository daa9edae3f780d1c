package onvifctl

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Mover is the part of a PTZ controller the gesture mapper drives
type Mover interface {
	ContinuousMove(ctx context.Context, dir Direction, speed float64) error
	Stop(ctx context.Context) error
}

// GestureSpeed maps a normalised drag distance to a PTZ speed. Small
// drags move slowly, the curve steepens up to 0.3 and then flattens
// towards full speed, reached at a distance of 1.
func GestureSpeed(d float64) float64 {
	d = math.Abs(d)
	switch {
	case d < 0.1:
		return 0.1
	case d < 0.3:
		return 0.1 + (d-0.1)*2.0
	case d >= 1.0:
		return 1.0
	default:
		return math.Min(1.0, 0.5+(d-0.3)*0.714)
	}
}

// MapGesture converts a drag vector into a direction and speed. Inversion
// is applied first; the dominant axis picks the direction, ties go to pan.
// Positive dx is RIGHT and positive dy is UP. Speed follows the length of
// the whole vector.
func MapGesture(dx, dy float64, invertPan, invertTilt bool) (Direction, float64) {
	if invertPan {
		dx = -dx
	}
	if invertTilt {
		dy = -dy
	}

	speed := GestureSpeed(math.Hypot(dx, dy))
	if math.Abs(dx) >= math.Abs(dy) {
		if dx >= 0 {
			return DirectionRight, speed
		}
		return DirectionLeft, speed
	}
	if dy > 0 {
		return DirectionUp, speed
	}
	return DirectionDown, speed
}

// GestureMapper turns a stream of drag samples into rate-limited PTZ
// moves. At most one move is in flight; a newer move cancels the older.
type GestureMapper struct {
	mover   Mover
	log     zerolog.Logger
	now     func() time.Time
	onError func(error)

	mu       sync.Mutex
	settings PTZSettings
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
	active   bool
}

// NewGestureMapper creates a mapper driving mover
func NewGestureMapper(mover Mover, settings PTZSettings, log zerolog.Logger) *GestureMapper {
	return &GestureMapper{
		mover:    mover,
		log:      log.With().Str("component", "gesture").Logger(),
		now:      time.Now,
		settings: settings,
		limiter:  newGestureLimiter(settings.RateLimit),
	}
}

func newGestureLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// OnError registers a callback for failed moves. Moves cancelled by a
// newer sample or by End are not reported.
func (g *GestureMapper) OnError(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onError = fn
}

// Settings returns the current settings
func (g *GestureMapper) Settings() PTZSettings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings
}

// SetSettings replaces inversion and rate limit settings
func (g *GestureMapper) SetSettings(settings PTZSettings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings = settings
	g.limiter = newGestureLimiter(settings.RateLimit)
}

// Update feeds one drag sample. It returns false when the sample was
// dropped by the rate limiter or carries no movement. Accepted samples
// are sent asynchronously.
func (g *GestureMapper) Update(dx, dy float64) bool {
	if dx == 0 && dy == 0 {
		return false
	}

	g.mu.Lock()
	if !g.limiter.AllowN(g.now(), 1) {
		g.mu.Unlock()
		return false
	}

	dir, speed := MapGesture(dx, dy, g.settings.InvertPan, g.settings.InvertTilt)

	if g.cancel != nil {
		g.cancel()
	}
	prev := g.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.cancel, g.done, g.active = cancel, done, true
	onError := g.onError
	g.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		// Keep sends ordered behind the superseded one
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		if err := g.mover.ContinuousMove(ctx, dir, speed); err != nil && ctx.Err() == nil {
			g.log.Warn().Err(err).Str("direction", dir.String()).Float64("speed", speed).Msg("gesture move failed")
			if onError != nil {
				onError(err)
			}
		}
	}()

	g.log.Trace().Str("direction", dir.String()).Float64("speed", speed).Msg("gesture move")
	return true
}

// End finishes the gesture: the pending move is cancelled, waited for, and
// Stop is sent once. Calling End without a gesture in progress is a no-op.
func (g *GestureMapper) End(ctx context.Context) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	done, active := g.done, g.active
	g.cancel, g.done, g.active = nil, nil, false
	g.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !active {
		return nil
	}
	return g.mover.Stop(ctx)
}
