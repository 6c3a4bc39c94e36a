package wallet

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Provenance string

const (
	ProvenanceNone      Provenance = "none"
	ProvenanceExtension Provenance = "extension"
	ProvenanceInApp     Provenance = "in-app"
)

type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
)

// Session is a live wallet connection. It is passed explicitly to every
// operation that needs the wallet.
type Session struct {
	Address     string     `json:"address"`
	ChainID     uint64     `json:"chainId"`
	Provenance  Provenance `json:"provenance"`
	ConnectedAt time.Time  `json:"connectedAt"`

	provider Provider
}

func NewSession(p Provider, address string, chainID uint64, prov Provenance, at time.Time) Session {
	return Session{Address: address, ChainID: chainID, Provenance: prov, ConnectedAt: at, provider: p}
}

func (s Session) Provider() Provider {
	return s.provider
}

func (s Session) Connected() bool {
	return s.provider != nil && s.Address != ""
}

// Env describes where a connection attempt runs.
type Env struct {
	Platform Platform
	// Provider is nil when no injected provider could be detected.
	Provider Provider
	Host     string
}

// Handoff tells the caller to open the wallet app and re-poll on refocus.
type Handoff struct {
	URL string `json:"url"`
}

// Connection is the outcome of Connect: either a session or a handoff.
type Connection struct {
	Session *Session
	Handoff *Handoff
}

// DeepLink builds https://<domain>/dapp/<host>.
func DeepLink(walletDomain, host string) string {
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	u := url.URL{Scheme: "https", Host: walletDomain, Path: "/dapp/" + host}
	return u.String()
}

func (p Platform) Valid() bool {
	return p == PlatformDesktop || p == PlatformMobile
}

func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, raw)
	}
	return p, nil
}
