package onvifctl

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/elgs/gostrgen"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

const (
	soapEnvelopeNS  = "http://www.w3.org/2003/05/soap-envelope"
	wsseNS          = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	wsuNS           = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	passwordDigest  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	nonceEncoding   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	createdLayout   = "2006-01-02T15:04:05.000Z"
	nonceLength     = 16
	maxResponseSize = 4 << 20
)

// namespacePrefixes maps well-known service namespaces to their ONVIF prefixes
var namespacePrefixes = map[string]string{
	NamespaceDevice: "tds",
	NamespaceMedia:  "trt",
	NamespaceMedia2: "tr2",
	NamespacePTZ:    "tptz",
	NamespaceEvents: "tev",
}

// Client issues SOAP RPCs against one device with one set of credentials
type Client struct {
	serviceURL string
	creds      Credentials
	timeout    time.Duration
	insecure   bool
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *Metrics
	now        func() time.Time
	nonce      func() (string, error)
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout bounds each RPC
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithMetrics records RPC counts and durations
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithInsecureTLS skips certificate verification for onvifs:// devices
func WithInsecureTLS(insecure bool) ClientOption {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new RPC client for a device service URL
func NewClient(serviceURL string, creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		serviceURL: serviceURL,
		creds:      creds,
		timeout:    DefaultRPCTimeout,
		log:        zerolog.Nop(),
		now:        time.Now,
		nonce:      randomNonce,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
		if c.insecure {
			c.httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
	c.log = c.log.With().Str("component", "rpc").Str("service_url", serviceURL).Logger()
	return c
}

// ServiceURL returns the device service URL the client was created for
func (c *Client) ServiceURL() string {
	return c.serviceURL
}

// Credentials returns the credentials the client authenticates with
func (c *Client) Credentials() Credentials {
	return c.creds
}

// Param is one element of an ordered RPC parameter tree
type Param struct {
	name     string
	value    string
	attrs    map[string]string
	children []Param
}

// Val creates a leaf parameter
func Val(name string, value interface{}) Param {
	return Param{name: name, value: fmt.Sprint(value)}
}

// Group creates a parameter holding children in order
func Group(name string, children ...Param) Param {
	return Param{name: name, children: children}
}

// Attr returns a copy of p with an attribute set
func (p Param) Attr(key string, value interface{}) Param {
	attrs := make(map[string]string, len(p.attrs)+1)
	for k, v := range p.attrs {
		attrs[k] = v
	}
	attrs[key] = fmt.Sprint(value)
	p.attrs = attrs
	return p
}

func (p Param) build(parent *etree.Element, prefix string) {
	name := p.name
	if !strings.Contains(name, ":") {
		name = prefix + ":" + name
	}
	el := parent.CreateElement(name)

	keys := make([]string, 0, len(p.attrs))
	for k := range p.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		el.CreateAttr(k, p.attrs[k])
	}

	if len(p.children) == 0 {
		if p.value != "" {
			el.SetText(p.value)
		}
		return
	}
	for _, child := range p.children {
		child.build(el, prefix)
	}
}

func prefixFor(namespace string) string {
	if p, ok := namespacePrefixes[namespace]; ok {
		return p
	}
	return "ns"
}

// PasswordDigest computes base64(SHA1(nonce + created + password))
func PasswordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func randomNonce() (string, error) {
	return gostrgen.RandGen(nonceLength, gostrgen.Lower|gostrgen.Upper|gostrgen.Digit, "", "")
}

// buildEnvelope serialises a SOAP 1.2 request
func (c *Client) buildEnvelope(method, namespace string, params []Param) ([]byte, error) {
	prefix := prefixFor(namespace)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", soapEnvelopeNS)
	env.CreateAttr("xmlns:tt", NamespaceSchema)
	env.CreateAttr("xmlns:"+prefix, namespace)

	if !c.creds.IsZero() {
		if err := c.addSecurityHeader(env.CreateElement("s:Header")); err != nil {
			return nil, err
		}
	}

	body := env.CreateElement("s:Body")
	call := body.CreateElement(prefix + ":" + method)
	for _, p := range params {
		p.build(call, prefix)
	}

	return doc.WriteToBytes()
}

// addSecurityHeader attaches a WS-Security UsernameToken with a fresh nonce
func (c *Client) addSecurityHeader(header *etree.Element) error {
	nonce, err := c.nonce()
	if err != nil {
		return errors.Annotate(err, "generate nonce")
	}
	created := c.now().UTC().Format(createdLayout)

	sec := header.CreateElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", wsseNS)
	sec.CreateAttr("xmlns:wsu", wsuNS)
	sec.CreateAttr("s:mustUnderstand", "1")

	token := sec.CreateElement("wsse:UsernameToken")
	token.CreateElement("wsse:Username").SetText(c.creds.Username)
	pw := token.CreateElement("wsse:Password")
	pw.CreateAttr("Type", passwordDigest)
	pw.SetText(PasswordDigest([]byte(nonce), created, c.creds.Password))
	n := token.CreateElement("wsse:Nonce")
	n.CreateAttr("EncodingType", nonceEncoding)
	n.SetText(base64.StdEncoding.EncodeToString([]byte(nonce)))
	token.CreateElement("wsu:Created").SetText(created)
	return nil
}

// Call invokes method on the device service URL
func (c *Client) Call(ctx context.Context, method, namespace string, params ...Param) (*Response, error) {
	return c.CallAt(ctx, c.serviceURL, method, namespace, params...)
}

// CallAt invokes method on another service endpoint of the same device,
// such as the media or PTZ XAddr
func (c *Client) CallAt(ctx context.Context, endpoint, method, namespace string, params ...Param) (*Response, error) {
	start := c.now()
	resp, err := c.roundTrip(ctx, endpoint, method, namespace, params)
	elapsed := c.now().Sub(start)

	c.metrics.recordRPC(method, StatusOf(err), elapsed)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("endpoint", endpoint).Dur("elapsed", elapsed).Msg("rpc failed")
		return nil, err
	}
	c.log.Trace().Str("method", method).Str("endpoint", endpoint).Dur("elapsed", elapsed).Msg("rpc")
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, namespace string, params []Param) (*Response, error) {
	payload, err := c.buildEnvelope(method, namespace, params)
	if err != nil {
		return nil, errors.Annotatef(err, "build %s request", method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewNotValid(err, "rpc endpoint "+endpoint)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s/%s"`, namespace, method))

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err, method)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransport(err, method)
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, errors.Unauthorizedf("%s: HTTP %d", method, httpResp.StatusCode)
	}

	resp, parseErr := parseResponse(raw)
	if parseErr != nil {
		// Non-XML bodies may still carry a recognisable fault
		if containsSOAPFault(string(raw)) {
			return nil, classifyFault(method, string(raw), scrapeFaultReason(string(raw)))
		}
		if httpResp.StatusCode >= 400 {
			return nil, httpError(method, httpResp.StatusCode, len(raw))
		}
		if len(raw) == 0 {
			return nil, errors.Annotatef(parseErr, "%s", method)
		}
		// Keep the raw body for the scrape fallbacks
		c.log.Debug().Err(parseErr).Str("method", method).Int("size", len(raw)).Msg("malformed response body")
		return rawResponse(raw), nil
	}

	if f := resp.fault(); f != nil {
		return nil, classifyFault(method, faultCodes(f), faultReason(f))
	}

	// Some cameras return error codes with an empty body instead of a SOAP fault
	if httpResp.StatusCode >= 400 {
		return nil, httpError(method, httpResp.StatusCode, len(raw))
	}
	return resp, nil
}

func httpError(method string, code, size int) error {
	if size == 0 {
		return errors.Errorf("%s: HTTP %d with empty response", method, code)
	}
	return errors.Errorf("%s: HTTP %d: %s", method, code, http.StatusText(code))
}

// faultCodes concatenates the fault code and subcode values
func faultCodes(f *Node) string {
	var codes []string
	for _, v := range f.FindAll("Value") {
		codes = append(codes, v.Text())
	}
	if fc := f.Child("faultcode"); fc != nil {
		codes = append(codes, fc.Text())
	}
	return strings.Join(codes, " ")
}

func faultReason(f *Node) string {
	if text := f.Child("Reason", "Text"); text != nil {
		return text.Text()
	}
	return f.Child("faultstring").Text()
}

// classifyFault maps SOAP fault codes onto typed errors
func classifyFault(method, codes, reason string) error {
	if reason == "" {
		reason = "SOAP fault in response"
	}
	all := codes + " " + reason
	switch {
	case strings.Contains(all, "NotAuthorized"),
		strings.Contains(all, "FailedAuthentication"),
		strings.Contains(strings.ToLower(reason), "not authorized"):
		return errors.Unauthorizedf("%s: %s", method, reason)
	case strings.Contains(all, "ActionNotSupported"),
		strings.Contains(all, "NoSuchService"),
		strings.Contains(all, "NotSupported"):
		return errors.NotSupportedf("%s: %s", method, reason)
	}
	return errors.Errorf("%s: SOAP fault: %s", method, reason)
}
