package offline

import (
	"io"
	"net/http"
	"strings"
)

// Response types, as a browser would classify them.
const (
	TypeBasic  = "basic"
	TypeCORS   = "cors"
	TypeOpaque = "opaque"
)

// Request destinations the agent cares about.
const (
	DestinationDocument = "document"
)

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// Type is the response classification at fetch time: "basic" | "cors" | "opaque".
	Type string

	// URL is the final URL the body was fetched from.
	URL string
}

// Request is the identity of an intercepted fetch. Only GET requests are ever
// answered from a store, so the key is the absolute URL.
type Request struct {
	Method      string
	URL         string
	Destination string
	Header      http.Header
	// Body is only forwarded for requests that are passed through.
	Body io.Reader
}

func (r Request) Key() string { return r.URL }

func (r Request) IsNavigation() bool { return r.Destination == DestinationDocument }

// RequestFromHTTP builds a Request for an inbound host request whose absolute
// target is target.
func RequestFromHTTP(r *http.Request, target string) Request {
	dest := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
	if dest == "" && strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		dest = DestinationDocument
	}
	return Request{
		Method:      r.Method,
		URL:         target,
		Destination: dest,
		Header:      cloneHeader(r.Header),
	}
}

// Message is an inbound control message.
type Message struct {
	Type string `json:"type"`
}

const MessageClearCache = "CLEAR_CACHE"

// Reply acknowledges a control message.
type Reply struct {
	Type    string   `json:"type"`
	OK      bool     `json:"ok"`
	Deleted []string `json:"deleted,omitempty"`
}

type InstallResult struct {
	Version     string
	Cached      int
	SkipWaiting bool
}

type ActivateResult struct {
	Version      string
	Deleted      []string
	ClaimClients bool
}
