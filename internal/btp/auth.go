package btp

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/ilp-connector/connector/internal/oer"
)

// Credential is the opaque payload carried in an AUTH frame: the
// connecting peer's claimed identity plus its shared secret.
type Credential struct {
	PeerID       string
	SharedSecret []byte
}

// Marshal encodes the credential as peerId (varoctet) followed by
// sharedSecret (varoctet).
func (c Credential) Marshal() []byte {
	out := oer.WriteVarOctetString([]byte(c.PeerID))
	out = append(out, oer.WriteVarOctetString(c.SharedSecret)...)
	return out
}

// ParseCredential decodes an AUTH frame payload.
func ParseCredential(buf []byte) (Credential, error) {
	peerID, n, err := oer.ReadVarOctetString(buf, 0)
	if err != nil {
		return Credential{}, fmt.Errorf("btp auth: peer id: %w", err)
	}
	secret, _, err := oer.ReadVarOctetString(buf, n)
	if err != nil {
		return Credential{}, fmt.Errorf("btp auth: shared secret: %w", err)
	}
	// secret aliases buf; copy since credentials outlive the frame buffer.
	secretCopy := make([]byte, len(secret))
	copy(secretCopy, secret)
	return Credential{PeerID: string(peerID), SharedSecret: secretCopy}, nil
}

// VerifySharedSecret constant-time compares a presented secret against the
// configured one for peerID.
func VerifySharedSecret(presented, configured []byte) bool {
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare(presented, configured) == 1
}

// DeriveSessionKey derives a per-session symmetric key from the shared
// secret using HKDF-SHA256, salted with the session's random nonce. Used
// when a peer is configured for SPIFFE/mTLS-free encrypted framing rather
// than a static shared secret compared in the clear.
func DeriveSessionKey(sharedSecret, salt []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte("ilp-connector-btp-session"))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("btp: hkdf session key derivation: %w", err)
	}
	return key, nil
}
