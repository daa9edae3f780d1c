package onvifctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseLookupsIgnorePrefixAndCase(t *testing.T) {
	resp, err := parseResponse([]byte(soapEnvelope(`<trt:GetProfilesResponse>` +
		profileXML("p1", "Main", 1920, 1080, 25) +
		profileXML("p2", "Sub", 640, 360, 15) +
		`</trt:GetProfilesResponse>`)))
	require.NoError(t, err)

	profiles := resp.List("getprofilesresponse", "PROFILES")
	require.Len(t, profiles, 2)
	assert.Equal(t, "p2", profiles[1].Attr("Token", "token"))
	assert.Equal(t, "Main", profiles[0].Child("Name").Text())
	assert.Equal(t, "1920", profiles[0].Find("Width").Text())
	assert.Len(t, resp.Body().FindAll("Resolution"), 2)
}

func TestResponseNilSafe(t *testing.T) {
	var n *Node
	assert.Nil(t, n.Child("a", "b"))
	assert.Empty(t, n.Text())
	assert.Empty(t, n.Attr("x"))
	assert.Nil(t, n.Find("x"))

	var r *Response
	assert.Empty(t, r.Value("a"))
	assert.Nil(t, r.Raw())
}

func TestResponseWithoutEnvelope(t *testing.T) {
	resp, err := parseResponse([]byte(`<GetStreamUriResponse><MediaUri><Uri>rtsp://cam/1</Uri></MediaUri></GetStreamUriResponse>`))
	require.NoError(t, err)
	assert.Equal(t, "rtsp://cam/1", resp.Value("MediaUri", "Uri"))
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	_, err := parseResponse([]byte(`<a><b></a>`))
	assert.Error(t, err)

	_, err = parseResponse(nil)
	assert.Error(t, err)
}

func TestScrape(t *testing.T) {
	raw := []byte(`junk <tds:Manufacturer>Acme &amp; Co</tds:Manufacturer> <Model attr="1">X1</Model>`)
	assert.Equal(t, "Acme & Co", Scrape(raw, "Manufacturer"))
	assert.Equal(t, "X1", Scrape(raw, "Model"))
	assert.Empty(t, Scrape(raw, "SerialNumber"))
}

func TestScrapeURI(t *testing.T) {
	raw := []byte(`<x><tt:Uri>
		rtsp://10.0.0.1:554/stream?channel=1&amp;subtype=0
	</tt:Uri></x>`)
	assert.Equal(t, "rtsp://10.0.0.1:554/stream?channel=1&subtype=0", scrapeURI(raw))
	assert.Empty(t, scrapeURI([]byte(`<Url>nope</Url>`)))
}

func TestScrapeFaultReason(t *testing.T) {
	soap12 := `<env:Fault><env:Reason><env:Text xml:lang="en">Sender not authorized</env:Text></env:Reason></env:Fault>`
	assert.True(t, containsSOAPFault(soap12))
	assert.Equal(t, "Sender not authorized", scrapeFaultReason(soap12))

	soap11 := `<SOAP-ENV:Fault><faultcode>x</faultcode><faultstring>Bad request</faultstring></SOAP-ENV:Fault>`
	assert.Equal(t, "Bad request", scrapeFaultReason(soap11))

	assert.False(t, containsSOAPFault(`<Body><Ok/></Body>`))
}
