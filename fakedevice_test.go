package onvifctl

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

var bodyMethod = regexp.MustCompile(`<s:Body>\s*<[A-Za-z0-9]+:([A-Za-z0-9]+)`)

// fakeDevice is an httptest ONVIF device routing requests on the SOAP body
// method name. Unknown methods answer with an ActionNotSupported fault.
type fakeDevice struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]func(body string) (int, string)
	calls    []string
	bodies   map[string][]string
	headers  map[string]http.Header
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	f := &fakeDevice{
		handlers: make(map[string]func(string) (int, string)),
		bodies:   make(map[string][]string),
		headers:  make(map[string]http.Header),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)

	method := ""
	if m := bodyMethod.FindStringSubmatch(body); m != nil {
		method = m[1]
	}

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.bodies[method] = append(f.bodies[method], body)
	f.headers[method] = r.Header.Clone()
	h := f.handlers[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	if h == nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, soapFault("ter:ActionNotSupported", "Action not supported"))
		return
	}
	code, resp := h(body)
	w.WriteHeader(code)
	_, _ = io.WriteString(w, resp)
}

// handle registers a raw handler for method
func (f *fakeDevice) handle(method string, h func(body string) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// reply answers method with inner wrapped in a SOAP envelope
func (f *fakeDevice) reply(method, inner string) {
	f.handle(method, func(string) (int, string) { return http.StatusOK, soapEnvelope(inner) })
}

func (f *fakeDevice) url(path string) string {
	return f.srv.URL + path
}

func (f *fakeDevice) serviceURL() string {
	return f.url(DefaultDevicePath)
}

func (f *fakeDevice) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeDevice) lastBody(method string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[method]
	if len(b) == 0 {
		return ""
	}
	return b[len(b)-1]
}

func (f *fakeDevice) lastHeader(method, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[method].Get(key)
}

// capabilities registers a GetCapabilities answer pointing the media, PTZ
// and event services back at the fake device
func (f *fakeDevice) capabilities(ptz, events bool) {
	inner := `<tds:GetCapabilitiesResponse><tds:Capabilities>` +
		`<tt:Media><tt:XAddr>` + f.url("/onvif/media_service") + `</tt:XAddr></tt:Media>`
	if ptz {
		inner += `<tt:PTZ><tt:XAddr>` + f.url("/onvif/ptz_service") + `</tt:XAddr></tt:PTZ>`
	}
	if events {
		inner += `<tt:Events><tt:XAddr>` + f.url("/onvif/event_service") + `</tt:XAddr>` +
			`<tt:WSSubscriptionPolicySupport>false</tt:WSSubscriptionPolicySupport>` +
			`<tt:WSPullPointSupport>true</tt:WSPullPointSupport></tt:Events>`
	}
	inner += `</tds:Capabilities></tds:GetCapabilitiesResponse>`
	f.reply("GetCapabilities", inner)
}

func soapEnvelope(inner string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"` +
		` xmlns:tds="http://www.onvif.org/ver10/device/wsdl"` +
		` xmlns:trt="http://www.onvif.org/ver10/media/wsdl"` +
		` xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl"` +
		` xmlns:tev="http://www.onvif.org/ver10/events/wsdl"` +
		` xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"` +
		` xmlns:wsa5="http://www.w3.org/2005/08/addressing"` +
		` xmlns:tt="http://www.onvif.org/ver10/schema">` +
		`<SOAP-ENV:Body>` + inner + `</SOAP-ENV:Body></SOAP-ENV:Envelope>`
}

func soapFault(subcode, reason string) string {
	return soapEnvelope(fmt.Sprintf(`<SOAP-ENV:Fault><SOAP-ENV:Code><SOAP-ENV:Value>SOAP-ENV:Sender</SOAP-ENV:Value>`+
		`<SOAP-ENV:Subcode><SOAP-ENV:Value>%s</SOAP-ENV:Value></SOAP-ENV:Subcode></SOAP-ENV:Code>`+
		`<SOAP-ENV:Reason><SOAP-ENV:Text xml:lang="en">%s</SOAP-ENV:Text></SOAP-ENV:Reason></SOAP-ENV:Fault>`, subcode, reason))
}

// profileXML renders one Media1 profile
func profileXML(token, name string, width, height, fps int) string {
	return fmt.Sprintf(`<trt:Profiles token="%s" fixed="true"><tt:Name>%s</tt:Name>`+
		`<tt:VideoEncoderConfiguration token="enc_%s"><tt:Encoding>H264</tt:Encoding>`+
		`<tt:Resolution><tt:Width>%d</tt:Width><tt:Height>%d</tt:Height></tt:Resolution>`+
		`<tt:RateControl><tt:FrameRateLimit>%d</tt:FrameRateLimit><tt:BitrateLimit>4096</tt:BitrateLimit></tt:RateControl>`+
		`</tt:VideoEncoderConfiguration></trt:Profiles>`, token, name, token, width, height, fps)
}

func newTestPool() *Pool {
	return NewPool(PoolConfig{IdleTimeout: DefaultTimeout}, zerolog.Nop(), nil, WithTimeout(DefaultTimeout))
}
