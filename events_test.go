package onvifctl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// sequenceProber answers with states in order, then repeats the last one
type sequenceProber struct {
	mu     sync.Mutex
	states []bool
	calls  int
}

func (p *sequenceProber) Probe(context.Context, string, Credentials) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.states) {
		i = len(p.states) - 1
	}
	return p.states[i], nil
}

func testEventsConfig() EventsConfig {
	return EventsConfig{
		PullInterval:      time.Hour,
		ErrorBackoff:      time.Hour,
		PollInterval:      time.Hour,
		SubscriptionLease: time.Hour,
		RenewBefore:       time.Minute,
		MaxPullFailures:   2,
		AlarmStatusPaths:  []string{"/alarm"},
	}
}

// activeService returns a service already in state without a running loop
func activeService(pool *Pool, serviceURL string, state MotionState, sub *EventSubscription, pub Publisher, prober AlarmProber) *MotionEventService {
	s := NewMotionEventService("cam", serviceURL, Credentials{}, pool, testEventsConfig(), pub, zerolog.Nop(), WithAlarmProber(prober))
	s.state = MotionSubscribing
	if sub == nil {
		sub = s.localSubscription()
	}
	s.begin(state, sub, false)
	return s
}

func TestPollPublishesTransitionsOnly(t *testing.T) {
	rec := &recorder{}
	prober := &sequenceProber{states: []bool{false, false, true, true, false}}
	s := activeService(nil, "http://cam/onvif/device_service", MotionActivePoll, nil, rec, prober)

	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Hour, s.pollOnce(context.Background()))
	}
	assert.Equal(t, []EventType{EventMotionDetected, EventMotionStopped}, rec.types())
}

func TestObservationsAfterUnsubscribeAreDiscarded(t *testing.T) {
	rec := &recorder{}
	s := activeService(nil, "http://cam/onvif/device_service", MotionActivePoll, nil, rec, &sequenceProber{states: []bool{true}})

	require.NoError(t, s.Unsubscribe(context.Background()))
	s.observe(true)
	s.pollOnce(context.Background())

	assert.Empty(t, rec.types())
	assert.Equal(t, MotionUnsubscribed, s.State())
	sub, ok := s.Subscription()
	require.True(t, ok)
	assert.False(t, sub.IsActive)
}

func TestSubscribeWithoutEventsPolls(t *testing.T) {
	dev := newFakeDevice(t)
	dev.capabilities(false, false)
	pool := newTestPool()
	defer pool.Shutdown()

	prober := &sequenceProber{states: []bool{false}}
	s := NewMotionEventService("cam", dev.serviceURL(), Credentials{}, pool, testEventsConfig(), &recorder{}, zerolog.Nop(), WithAlarmProber(prober))

	require.NoError(t, s.Subscribe(context.Background()))
	assert.Equal(t, MotionActivePoll, s.State())

	sub, ok := s.Subscription()
	require.True(t, ok)
	assert.True(t, sub.UsesFastPolling)
	assert.True(t, strings.HasPrefix(sub.ID, "local-"))

	// A second subscribe is a no-op
	require.NoError(t, s.Subscribe(context.Background()))
	assert.Equal(t, 1, dev.count("GetCapabilities"))

	require.NoError(t, s.Unsubscribe(context.Background()))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Zero(t, dev.count("Unsubscribe"))
}

func TestSubscribeWithoutReferencePolls(t *testing.T) {
	dev := newFakeDevice(t)
	dev.capabilities(false, true)
	dev.reply("CreatePullPointSubscription", `<tev:CreatePullPointSubscriptionResponse/>`)
	pool := newTestPool()
	defer pool.Shutdown()

	s := NewMotionEventService("cam", dev.serviceURL(), Credentials{}, pool, testEventsConfig(), nil, zerolog.Nop(),
		WithAlarmProber(&sequenceProber{states: []bool{false}}))
	require.NoError(t, s.Subscribe(context.Background()))
	defer s.Cleanup()

	assert.Equal(t, MotionActivePoll, s.State())
	assert.Equal(t, 1, dev.count("CreatePullPointSubscription"))
}

const pullMessagesMotion = `<tev:PullMessagesResponse>` +
	`<tev:CurrentTime>2024-01-01T00:00:00Z</tev:CurrentTime>` +
	`<wsnt:NotificationMessage><wsnt:Topic Dialect="http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet">` +
	`tns1:RuleEngine/CellMotionDetector/Motion</wsnt:Topic><wsnt:Message><tt:Message UtcTime="2024-01-01T00:00:00Z">` +
	`<tt:Source><tt:SimpleItem Name="VideoSourceConfigurationToken" Value="vsc"/></tt:Source>` +
	`<tt:Data><tt:SimpleItem Name="IsMotion" Value="true"/></tt:Data></tt:Message></wsnt:Message></wsnt:NotificationMessage>` +
	`<wsnt:NotificationMessage><wsnt:Topic>tns1:Device/Trigger/DigitalInput</wsnt:Topic><wsnt:Message><tt:Message>` +
	`<tt:Data><tt:SimpleItem Name="LogicalState" Value="true"/></tt:Data></tt:Message></wsnt:Message></wsnt:NotificationMessage>` +
	`<wsnt:NotificationMessage><wsnt:Topic>tns1:VideoSource/MotionAlarm</wsnt:Topic><wsnt:Message><tt:Message>` +
	`<tt:Data><tt:SimpleItem Name="State" Value="false"/></tt:Data></tt:Message></wsnt:Message></wsnt:NotificationMessage>` +
	`</tev:PullMessagesResponse>`

func TestParseMotionNotifications(t *testing.T) {
	resp, err := parseResponse([]byte(soapEnvelope(pullMessagesMotion)))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, parseMotionNotifications(resp))

	empty, err := parseResponse([]byte(soapEnvelope(`<tev:PullMessagesResponse/>`)))
	require.NoError(t, err)
	assert.Empty(t, parseMotionNotifications(empty))
}

func TestSubscribePullPoint(t *testing.T) {
	dev := newFakeDevice(t)
	dev.capabilities(false, true)
	dev.reply("CreatePullPointSubscription", `<tev:CreatePullPointSubscriptionResponse>`+
		`<tev:SubscriptionReference><wsa5:Address>`+dev.url("/onvif/pullpoint/1")+`</wsa5:Address></tev:SubscriptionReference>`+
		`<wsnt:CurrentTime>2024-01-01T00:00:00Z</wsnt:CurrentTime>`+
		`<wsnt:TerminationTime>2099-01-01T00:00:00Z</wsnt:TerminationTime>`+
		`</tev:CreatePullPointSubscriptionResponse>`)
	dev.reply("PullMessages", `<tev:PullMessagesResponse>`+
		`<wsnt:NotificationMessage><wsnt:Topic>tns1:RuleEngine/CellMotionDetector/Motion</wsnt:Topic>`+
		`<wsnt:Message><tt:Message><tt:Data><tt:SimpleItem Name="IsMotion" Value="true"/></tt:Data></tt:Message></wsnt:Message>`+
		`</wsnt:NotificationMessage></tev:PullMessagesResponse>`)
	dev.reply("Unsubscribe", `<wsnt:UnsubscribeResponse/>`)

	pool := newTestPool()
	defer pool.Shutdown()

	rec := &recorder{}
	s := NewMotionEventService("cam", dev.serviceURL(), Credentials{}, pool, testEventsConfig(), rec, zerolog.Nop(),
		WithAlarmProber(&sequenceProber{states: []bool{false}}))
	require.NoError(t, s.Subscribe(context.Background()))
	assert.Equal(t, MotionActivePush, s.State())

	sub, ok := s.Subscription()
	require.True(t, ok)
	assert.Equal(t, dev.url("/onvif/pullpoint/1"), sub.Address)
	assert.Equal(t, 2099, sub.ExpiresAt.Year())
	assert.False(t, sub.UsesFastPolling)
	assert.Contains(t, dev.lastBody("CreatePullPointSubscription"), "<tev:InitialTerminationTime>PT60M</tev:InitialTerminationTime>")

	require.Eventually(t, func() bool {
		return len(rec.types()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, EventMotionDetected, rec.types()[0])

	require.NoError(t, s.Unsubscribe(context.Background()))
	<-s.Done()
	assert.Equal(t, 1, dev.count("Unsubscribe"))
	assert.Contains(t, dev.lastBody("Unsubscribe"), NamespaceNotification)
}

func TestPullOnceRenewsLease(t *testing.T) {
	dev := newFakeDevice(t)
	dev.reply("Renew", `<wsnt:RenewResponse><wsnt:TerminationTime>2099-06-01T00:00:00Z</wsnt:TerminationTime></wsnt:RenewResponse>`)
	dev.reply("PullMessages", `<tev:PullMessagesResponse/>`)
	pool := newTestPool()
	defer pool.Shutdown()

	sub := &EventSubscription{
		ID:        "pp",
		DeviceID:  "cam",
		Address:   dev.url("/onvif/pullpoint/1"),
		IsActive:  true,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(30 * time.Second),
	}
	s := activeService(pool, dev.serviceURL(), MotionActivePush, sub, nil, &sequenceProber{states: []bool{false}})

	assert.Equal(t, time.Hour, s.pullOnce(context.Background()))
	assert.Equal(t, 1, dev.count("Renew"))
	assert.Equal(t, 1, dev.count("PullMessages"))

	got, _ := s.Subscription()
	assert.Equal(t, 2099, got.ExpiresAt.Year())

	// Not due any more
	s.pullOnce(context.Background())
	assert.Equal(t, 1, dev.count("Renew"))
}

func TestPullFailuresFallBackToPolling(t *testing.T) {
	sub := &EventSubscription{ID: "pp", Address: "http://cam/pp", IsActive: true}
	s := activeService(nil, "http://cam/onvif/device_service", MotionActivePush, sub, nil, &sequenceProber{states: []bool{false}})

	assert.Equal(t, time.Hour, s.pullFailed(errors.New("timeout")))
	assert.Equal(t, MotionActivePush, s.State())

	s.pullFailed(errors.New("timeout"))
	assert.Equal(t, MotionActivePoll, s.State())
	got, _ := s.Subscription()
	assert.True(t, got.UsesFastPolling)
}

func TestMotionIndicator(t *testing.T) {
	for _, body := range []string{
		"Code=VideoMotion;action=Start\nVideoMotion=true",
		`{"motion": true}`,
		`<Alarm><ioState>active</ioState></Alarm>`,
		`alarmStatus: on`,
	} {
		assert.True(t, motionIndicator.MatchString(body), body)
	}
	for _, body := range []string{
		"VideoMotion=false",
		`{"motion": false}`,
		`<ioState>inactive</ioState>`,
		`ok`,
	} {
		assert.False(t, motionIndicator.MatchString(body), body)
	}
}

func TestHTTPAlarmProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/alarm/status":
			_, _ = w.Write([]byte(`{"motion": true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPAlarmProber([]string{"/missing", "/alarm/status"}, time.Second, false)

	detected, err := p.Probe(context.Background(), srv.URL+"/onvif/device_service", Credentials{Username: "admin", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, detected)

	_, err = p.Probe(context.Background(), srv.URL+"/onvif/device_service", Credentials{Username: "admin", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, StatusAuthError, StatusOf(err))
}

func TestIsoDuration(t *testing.T) {
	assert.Equal(t, "PT60M", isoDuration(time.Hour))
	assert.Equal(t, "PT90S", isoDuration(90*time.Second))
}

func TestMotionStateString(t *testing.T) {
	assert.Equal(t, "active_push", MotionActivePush.String())
	assert.Equal(t, "unsubscribed", MotionUnsubscribed.String())
}

func TestMalformedPullsCountAsFailures(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handle("PullMessages", func(string) (int, string) {
		return http.StatusOK, `<tev:PullMessagesResponse><wsnt:NotificationMessage`
	})
	pool := newTestPool()
	defer pool.Shutdown()

	sub := &EventSubscription{ID: "pp", DeviceID: "cam", Address: dev.url("/onvif/pullpoint/1"), IsActive: true}
	s := activeService(pool, dev.serviceURL(), MotionActivePush, sub, nil, &sequenceProber{states: []bool{false}})

	s.pullOnce(context.Background())
	assert.Equal(t, MotionActivePush, s.State())
	s.pullOnce(context.Background())
	assert.Equal(t, MotionActivePoll, s.State())
	assert.Equal(t, 2, dev.count("PullMessages"))
}
