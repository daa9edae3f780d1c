package onvifctl

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/elgs/gostrgen"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// WS-BaseNotification namespace used by Renew and Unsubscribe
const NamespaceNotification = "http://docs.oasis-open.org/wsn/b-2"

// MotionState is the subscription state of a motion event service
type MotionState int

const (
	MotionUnsubscribed MotionState = iota
	MotionSubscribing
	MotionActivePush
	MotionActivePoll
)

func (s MotionState) String() string {
	switch s {
	case MotionUnsubscribed:
		return "unsubscribed"
	case MotionSubscribing:
		return "subscribing"
	case MotionActivePush:
		return "active_push"
	case MotionActivePoll:
		return "active_poll"
	}
	return "unknown"
}

// AlarmProber reports the current motion state of a device without event
// subscriptions
type AlarmProber interface {
	Probe(ctx context.Context, serviceURL string, creds Credentials) (bool, error)
}

// motionIndicator matches alarm status bodies such as "VideoMotion=true",
// {"motion": true} or <ioState>active</ioState>
var motionIndicator = regexp.MustCompile(`(?i)(motion[a-z]*|alarm[a-z]*|iostate)"?\s*[:=>]\s*"?(true|1|active|on)\b`)

// HTTPAlarmProber polls vendor alarm status endpoints over HTTP GET with
// basic auth
type HTTPAlarmProber struct {
	paths  []string
	client *http.Client
}

// NewHTTPAlarmProber creates a prober trying paths in order
func NewHTTPAlarmProber(paths []string, timeout time.Duration, insecureTLS bool) *HTTPAlarmProber {
	hc := &http.Client{Timeout: timeout}
	if insecureTLS {
		hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &HTTPAlarmProber{paths: paths, client: hc}
}

// Probe returns the motion state from the first path answering 200
func (p *HTTPAlarmProber) Probe(ctx context.Context, serviceURL string, creds Credentials) (bool, error) {
	base, err := url.Parse(serviceURL)
	if err != nil {
		return false, errors.NewNotValid(err, "service url")
	}

	var lastErr error
	for _, path := range p.paths {
		target := fmt.Sprintf("%s://%s%s", base.Scheme, base.Host, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if !creds.IsZero() {
			req.SetBasicAuth(creds.Username, creds.Password)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = classifyTransport(err, "alarm status")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			lastErr = errors.Unauthorizedf("alarm status %s: HTTP %d", path, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			lastErr = errors.Errorf("alarm status %s: HTTP %d", path, resp.StatusCode)
		default:
			return motionIndicator.Match(body), nil
		}
	}

	if lastErr == nil {
		lastErr = errors.NotFoundf("alarm status endpoint")
	}
	return false, lastErr
}

// MotionOption configures a MotionEventService
type MotionOption func(*MotionEventService)

// WithAlarmProber replaces the HTTP alarm status prober
func WithAlarmProber(p AlarmProber) MotionOption {
	return func(s *MotionEventService) {
		s.prober = p
	}
}

// WithMotionMetrics records motion transitions
func WithMotionMetrics(m *Metrics) MotionOption {
	return func(s *MotionEventService) {
		s.metrics = m
	}
}

// MotionEventService keeps one motion subscription for a device. It pulls
// from a PullPoint subscription when the device offers one and falls back
// to polling alarm status otherwise. Only transitions are published.
type MotionEventService struct {
	deviceID   string
	serviceURL string
	creds      Credentials
	pool       *Pool
	cfg        EventsConfig
	pub        Publisher
	prober     AlarmProber
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	state    MotionState
	sub      *EventSubscription
	active   bool
	last     bool
	failures int
	stop     chan struct{}
	done     chan struct{}
}

// NewMotionEventService creates an unsubscribed service
func NewMotionEventService(deviceID, serviceURL string, creds Credentials, pool *Pool, cfg EventsConfig, pub Publisher, log zerolog.Logger, opts ...MotionOption) *MotionEventService {
	s := &MotionEventService{
		deviceID:   deviceID,
		serviceURL: serviceURL,
		creds:      creds,
		pool:       pool,
		cfg:        cfg,
		pub:        pub,
		log:        log.With().Str("component", "motion").Str("device_id", deviceID).Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prober == nil {
		s.prober = NewHTTPAlarmProber(cfg.AlarmStatusPaths, DefaultTimeout, false)
	}
	return s
}

// State returns the current subscription state
func (s *MotionEventService) State() MotionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscription returns a copy of the current subscription, if any
func (s *MotionEventService) Subscription() (EventSubscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return EventSubscription{}, false
	}
	return *s.sub, true
}

// Subscribe starts delivering motion events. A device without event
// support, or one that returns no subscription reference, is polled
// instead. Subscribing twice is a no-op.
func (s *MotionEventService) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.state != MotionUnsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.state = MotionSubscribing
	s.mu.Unlock()

	sub, err := s.createSubscription(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.mu.Lock()
			s.state = MotionUnsubscribed
			s.mu.Unlock()
			return errors.Annotate(err, "subscribe")
		}
		s.log.Info().Err(err).Msg("pull point subscription unavailable, polling alarm status")
	}

	if sub != nil {
		s.begin(MotionActivePush, sub, true)
		return nil
	}
	s.begin(MotionActivePoll, s.localSubscription(), true)
	return nil
}

// createSubscription fails when the device offers no PullPoint
// subscription with a reference
func (s *MotionEventService) createSubscription(ctx context.Context) (*EventSubscription, error) {
	client := s.pool.Acquire(s.serviceURL, s.creds)
	defer s.pool.Release(client)

	caps, err := client.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	if !caps.SupportsMotionEvents || caps.Events == nil {
		return nil, errors.NotSupportedf("events on device %s", s.deviceID)
	}

	resp, err := client.CallAt(ctx, caps.Events.XAddr, "CreatePullPointSubscription", NamespaceEvents,
		Val("InitialTerminationTime", isoDuration(s.cfg.SubscriptionLease)),
	)
	if err != nil {
		return nil, err
	}

	ref := resp.Body().Find("SubscriptionReference")
	address := ref.Child("Address").Text()
	if address == "" {
		return nil, errors.NotFoundf("subscription reference")
	}

	now := s.now()
	expires := now.Add(s.cfg.SubscriptionLease)
	if t, err := time.Parse(time.RFC3339, resp.Body().Find("TerminationTime").Text()); err == nil {
		expires = t
	}

	return &EventSubscription{
		ID:        address,
		DeviceID:  s.deviceID,
		Address:   address,
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: expires,
	}, nil
}

func (s *MotionEventService) localSubscription() *EventSubscription {
	tag, err := gostrgen.RandGen(12, gostrgen.Lower|gostrgen.Digit, "", "")
	if err != nil {
		tag = fmt.Sprintf("%d", s.now().UnixNano())
	}
	return &EventSubscription{
		ID:              "local-" + tag,
		DeviceID:        s.deviceID,
		IsActive:        true,
		UsesFastPolling: true,
		CreatedAt:       s.now(),
	}
}

// begin activates the service; the loop goroutine is started when run is
// set. It does nothing when Unsubscribe raced with Subscribe.
func (s *MotionEventService) begin(state MotionState, sub *EventSubscription, run bool) {
	s.mu.Lock()
	if s.state != MotionSubscribing {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.sub = sub
	s.active = true
	s.last = false
	s.failures = 0
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.log.Info().Str("state", state.String()).Str("subscription", sub.ID).Msg("motion subscription active")
	if run {
		go s.loop(stop, done)
	} else {
		close(done)
	}
}

// loop is the repeating task; cancellation is checked at the loop top
func (s *MotionEventService) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		var wait time.Duration
		switch s.State() {
		case MotionActivePush:
			wait = s.pullOnce(context.Background())
		case MotionActivePoll:
			wait = s.pollOnce(context.Background())
		default:
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pullOnce renews the lease when due, pulls pending notifications and
// returns the delay before the next step
func (s *MotionEventService) pullOnce(ctx context.Context) time.Duration {
	s.mu.Lock()
	if !s.active || s.sub == nil {
		s.mu.Unlock()
		return s.cfg.PullInterval
	}
	address := s.sub.Address
	renewDue := !s.sub.ExpiresAt.IsZero() && !s.now().Before(s.sub.ExpiresAt.Add(-s.cfg.RenewBefore))
	s.mu.Unlock()

	client := s.pool.Acquire(s.serviceURL, s.creds)
	defer s.pool.Release(client)

	if renewDue {
		s.renew(ctx, client, address)
	}

	resp, err := client.CallAt(ctx, address, "PullMessages", NamespaceEvents,
		Val("Timeout", "PT1S"),
		Val("MessageLimit", 10),
	)
	if err == nil && resp.Malformed() {
		err = errors.NotValidf("PullMessages response")
	}
	if err != nil {
		return s.pullFailed(err)
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	for _, detected := range parseMotionNotifications(resp) {
		s.observe(detected)
	}
	return s.cfg.PullInterval
}

func (s *MotionEventService) pullFailed(err error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return s.cfg.PullInterval
	}

	s.failures++
	s.log.Warn().Err(err).Int("failures", s.failures).Msg("pull messages failed")
	if s.failures < s.cfg.MaxPullFailures {
		return s.cfg.ErrorBackoff
	}

	s.log.Warn().Msg("pull point subscription lost, polling alarm status")
	s.state = MotionActivePoll
	if s.sub != nil {
		s.sub.UsesFastPolling = true
	}
	s.failures = 0
	return s.cfg.PollInterval
}

func (s *MotionEventService) renew(ctx context.Context, client *Client, address string) {
	resp, err := client.CallAt(ctx, address, "Renew", NamespaceNotification,
		Val("TerminationTime", isoDuration(s.cfg.SubscriptionLease)),
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("renew subscription failed")
		return
	}

	expires := s.now().Add(s.cfg.SubscriptionLease)
	if t, err := time.Parse(time.RFC3339, resp.Body().Find("TerminationTime").Text()); err == nil {
		expires = t
	}

	s.mu.Lock()
	if s.sub != nil {
		s.sub.ExpiresAt = expires
	}
	s.mu.Unlock()
	s.log.Debug().Time("expires_at", expires).Msg("subscription renewed")
}

// pollOnce probes alarm status once and returns the delay before the next step
func (s *MotionEventService) pollOnce(ctx context.Context) time.Duration {
	detected, err := s.prober.Probe(ctx, s.serviceURL, s.creds)
	if err != nil {
		s.log.Debug().Err(err).Msg("alarm status probe failed")
		return s.cfg.PollInterval
	}
	s.observe(detected)
	return s.cfg.PollInterval
}

// observe publishes on transitions only; results arriving after
// unsubscribe are discarded
func (s *MotionEventService) observe(detected bool) {
	s.mu.Lock()
	if !s.active || detected == s.last {
		s.mu.Unlock()
		return
	}
	s.last = detected
	s.mu.Unlock()

	s.metrics.recordMotion(detected)

	ev := Event{Type: EventMotionStopped, DeviceID: s.deviceID, Time: s.now()}
	if detected {
		ev.Type = EventMotionDetected
	}
	s.log.Info().Bool("motion", detected).Msg("motion state changed")
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

// Unsubscribe stops delivering events. In push mode the device
// subscription is released on a best-effort basis.
func (s *MotionEventService) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.state == MotionUnsubscribed {
		s.mu.Unlock()
		return nil
	}
	wasPush := s.state == MotionActivePush
	address := ""
	if s.sub != nil {
		address = s.sub.Address
	}
	s.deactivate()
	s.mu.Unlock()

	if wasPush && address != "" {
		client := s.pool.Acquire(s.serviceURL, s.creds)
		defer s.pool.Release(client)
		if _, err := client.CallAt(ctx, address, "Unsubscribe", NamespaceNotification); err != nil {
			s.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	s.log.Info().Msg("motion subscription stopped")
	return nil
}

// Cleanup stops the loop unconditionally without talking to the device
func (s *MotionEventService) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivate()
}

// deactivate must be called with mu held
func (s *MotionEventService) deactivate() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.active = false
	s.state = MotionUnsubscribed
	if s.sub != nil {
		s.sub.IsActive = false
	}
}

// Done returns a channel closed when the loop has exited
func (s *MotionEventService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// parseMotionNotifications extracts motion states from a PullMessages
// response in document order
func parseMotionNotifications(resp *Response) []bool {
	var states []bool
	for _, msg := range resp.Body().FindAll("NotificationMessage") {
		topic := strings.ToLower(msg.Find("Topic").Text())
		if !strings.Contains(topic, "motion") {
			continue
		}
		for _, item := range msg.FindAll("SimpleItem") {
			switch strings.ToLower(item.Attr("Name")) {
			case "ismotion", "state", "motion", "motionactive":
				states = append(states, parseBool(item.Attr("Value")))
			}
		}
	}
	return states
}

// isoDuration formats d as an xs:duration such as PT60M
func isoDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("PT%dM", int(d/time.Minute))
	}
	return fmt.Sprintf("PT%dS", int(d/time.Second))
}
