package btp

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// IdentityVerifier authenticates a connecting peer by SPIFFE SVID instead
// of a static shared secret, for peers configured with mutual TLS.
type IdentityVerifier struct {
	source *workloadapi.X509Source
}

// NewIdentityVerifier connects to the local SPIRE agent workload API.
func NewIdentityVerifier(socketPath string) (*IdentityVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("btp: connect to SPIRE agent: %w", err)
	}
	return &IdentityVerifier{source: source}, nil
}

// VerifyPeerID confirms the peer's presented SPIFFE ID matches the
// identity bound to our SVID session for that peerID.
func (v *IdentityVerifier) VerifyPeerID(expected string) error {
	id, err := spiffeid.FromString(expected)
	if err != nil {
		return fmt.Errorf("btp: invalid SPIFFE id %q: %w", expected, err)
	}
	svid, err := v.source.GetX509SVID()
	if err != nil {
		return fmt.Errorf("btp: fetch SVID: %w", err)
	}
	if svid.ID.String() != id.String() {
		return fmt.Errorf("btp: SPIFFE id mismatch: expected %s, got %s", id, svid.ID)
	}
	return nil
}

// MTLSConfig returns a tls.Config authorizing any SPIFFE-identified peer;
// peer-level ACL enforcement happens at the BTP AUTH layer, not the
// transport layer.
func (v *IdentityVerifier) MTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(v.source, v.source, tlsconfig.AuthorizeAny())
}

// Close releases the workload API connection.
func (v *IdentityVerifier) Close() error {
	return v.source.Close()
}
