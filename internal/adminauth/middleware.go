package adminauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const HeaderKey = "X-Admin-Key"

var (
	ErrMissingKey = errors.New("missing admin key")
	ErrInvalidKey = errors.New("invalid admin key")
)

// Verifier guards handlers with a static admin key header.
type Verifier struct {
	Key    string
	Header string
}

func (v *Verifier) header() string {
	if v.Header != "" {
		return v.Header
	}
	return HeaderKey
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"category": "reauthenticate",
				"message":  err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Key == "" {
		return nil
	}
	got := strings.TrimSpace(r.Header.Get(v.header()))
	if got == "" {
		return ErrMissingKey
	}
	if !equalKeys(got, v.Key) {
		return ErrInvalidKey
	}
	return nil
}

// equalKeys compares digests so timing does not leak the key length.
func equalKeys(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// KeyTransport attaches the admin key to every outgoing request.
type KeyTransport struct {
	Key    string
	Header string
	Base   http.RoundTripper
}

func (t *KeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Key == "" {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	header := t.Header
	if header == "" {
		header = HeaderKey
	}
	clone.Header.Set(header, t.Key)
	return base.RoundTrip(clone)
}
