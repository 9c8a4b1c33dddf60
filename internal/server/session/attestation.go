package session

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
)

const (
	// MaxAttestationAge is how far in the past an attestation may be.
	MaxAttestationAge = 300 * time.Second
	// MaxClockSkew is how far in the future an attestation may be.
	MaxClockSkew = 60 * time.Second
)

// attestationMessage rebuilds the exact byte string the client signed.
func attestationMessage(timestamp int64, requestedSubdomain string) []byte {
	return []byte(fmt.Sprintf("burrow:register:%d:%s", timestamp, requestedSubdomain))
}

// VerifyAttestation checks an attestation's signature and timestamp bounds
// against now, returning the raw Ed25519 public key on success.
func VerifyAttestation(att *protocol.Attestation, now time.Time) (ed25519.PublicKey, error) {
	if att == nil {
		return nil, pkgerrors.ErrMissingAttestation
	}

	publicKey, err := base64.StdEncoding.DecodeString(att.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return nil, pkgerrors.ErrInvalidSignature
	}
	signature, err := base64.StdEncoding.DecodeString(att.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, pkgerrors.ErrInvalidSignature
	}

	age := now.Unix() - att.Timestamp
	if age > int64(MaxAttestationAge/time.Second) {
		return nil, pkgerrors.ErrAttestationExpired
	}
	if -age > int64(MaxClockSkew/time.Second) {
		return nil, pkgerrors.ErrAttestationExpired
	}

	message := attestationMessage(att.Timestamp, att.RequestedSubdomain)
	if !ed25519.Verify(publicKey, message, signature) {
		return nil, pkgerrors.ErrInvalidSignature
	}

	return publicKey, nil
}
