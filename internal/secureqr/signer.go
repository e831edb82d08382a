package secureqr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"ticket-gate/internal/status"
	"ticket-gate/models"
)

const (
	ReasonMalformed         = "malformed"
	ReasonSignatureMismatch = "signature mismatch"
)

// Signer computes and checks ticket digests with a process-wide shared secret.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signer: empty signing secret")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Digest is lowercase hex SHA-256 over the serialized payload followed by the secret.
func (s *Signer) Digest(p models.QRPayload) (string, error) {
	body, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	return s.digest(body), nil
}

func (s *Signer) digest(body []byte) string {
	h := sha256.New()
	h.Write(body)
	h.Write(s.secret)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns the envelope for p together with its digest.
func (s *Signer) Sign(p models.QRPayload) (envelope string, digest string, err error) {
	digest, err = s.Digest(p)
	if err != nil {
		return "", "", err
	}
	envelope, err = EncodeEnvelope(p, digest)
	if err != nil {
		return "", "", err
	}
	return envelope, digest, nil
}

type Verification struct {
	Valid     bool
	Payload   models.QRPayload
	Signature string
	Legacy    bool
	Reason    string
	Err       error
}

// Verify decodes the envelope and recomputes the digest over the exact bytes
// that were signed. Failures are terminal and never retried.
func (s *Signer) Verify(envelope string) Verification {
	dec, err := DecodeEnvelope(envelope)
	if err != nil {
		return Verification{Reason: ReasonMalformed, Err: err}
	}

	v := Verification{
		Payload:   dec.Payload,
		Signature: dec.Signature,
		Legacy:    dec.Legacy,
	}
	expected := s.digest(dec.Signed)
	if !hmac.Equal([]byte(dec.Signature), []byte(expected)) {
		v.Reason = ReasonSignatureMismatch
		v.Err = status.ErrSignatureMismatch
		return v
	}

	v.Valid = true
	return v
}

// LogValue keeps the secret out of structured logs.
func (s *Signer) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}
