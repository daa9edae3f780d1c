package onvifctl

import (
	"regexp"
	"strings"
)

// Scrape extracts the text of the first element with the given local name
// from a raw body, regardless of namespace prefix. It is the fallback for
// devices whose responses do not parse as XML.
func Scrape(raw []byte, localName string) string {
	return strings.TrimSpace(unescapeEntities(extractBetweenTags(string(raw), localName)))
}

var uriPattern = regexp.MustCompile(`(?is)<(?:[a-z0-9_]+:)?Uri>\s*(.*?)\s*</(?:[a-z0-9_]+:)?Uri>`)

// scrapeURI pulls a stream URI out of a body by regex
func scrapeURI(raw []byte) string {
	m := uriPattern.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(unescapeEntities(string(m[1])))
}

func unescapeEntities(s string) string {
	return strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'").Replace(s)
}

// containsSOAPFault checks if the response contains a SOAP fault element
// with any namespace prefix (e.g. s:Fault, SOAP-ENV:Fault, env:Fault)
func containsSOAPFault(resp string) bool {
	return strings.Contains(resp, ":Fault>") || strings.Contains(resp, ":Fault ") ||
		strings.Contains(resp, "<Fault>") || strings.Contains(resp, "<Fault ")
}

// scrapeFaultReason returns the SOAP 1.2 Reason/Text or SOAP 1.1 faultstring
func scrapeFaultReason(resp string) string {
	if reason := extractBetweenTags(resp, "Reason"); reason != "" {
		if text := extractBetweenTags(reason, "Text"); text != "" {
			return strings.TrimSpace(text)
		}
	}
	return strings.TrimSpace(extractBetweenTags(resp, "faultstring"))
}

// extractBetweenTags finds content between opening and closing tags with any namespace prefix
func extractBetweenTags(s, localName string) string {
	openIdx := findTagOpen(s, localName)
	if openIdx == -1 {
		return ""
	}

	// Find the end of the opening tag
	contentStart := strings.Index(s[openIdx:], ">")
	if contentStart == -1 {
		return ""
	}
	contentStart += openIdx + 1

	closeIdx := findTagClose(s[contentStart:], localName)
	if closeIdx == -1 {
		return ""
	}
	return s[contentStart : contentStart+closeIdx]
}

// findTagOpen finds the start of an opening tag, <Name>, <Name ...>,
// <prefix:Name> or <prefix:Name ...>
func findTagOpen(s, localName string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != '<' || (i+1 < len(s) && (s[i+1] == '/' || s[i+1] == '?' || s[i+1] == '!')) {
			continue
		}
		name := s[i+1:]
		if end := strings.IndexAny(name, " \t\r\n/>"); end != -1 {
			name = name[:end]
		}
		if colon := strings.IndexByte(name, ':'); colon != -1 {
			name = name[colon+1:]
		}
		if name == localName {
			return i
		}
	}
	return -1
}

// findTagClose finds the start of the matching closing tag, returning the
// offset from the start of s
func findTagClose(s, localName string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '<' || s[i+1] != '/' {
			continue
		}
		name := s[i+2:]
		end := strings.IndexByte(name, '>')
		if end == -1 {
			return -1
		}
		name = strings.TrimSpace(name[:end])
		if colon := strings.IndexByte(name, ':'); colon != -1 {
			name = name[colon+1:]
		}
		if name == localName {
			return i
		}
	}
	return -1
}
