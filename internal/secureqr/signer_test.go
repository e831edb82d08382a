package secureqr

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-gate/internal/status"
	"ticket-gate/models"
)

const testSecret = "gate-secret"

func samplePayload() models.QRPayload {
	return models.QRPayload{
		TicketID:        "TKT-1",
		UserID:          "u1",
		EventID:         "e1",
		TransactionID:   "tx1",
		BookingID:       "b1",
		IssuedAt:        1700000000000,
		TierName:        "VIP",
		GateAccessLevel: models.AccessVIP,
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret)
	require.NoError(t, err)
	return s
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestNewSigner_EmptySecret(t *testing.T) {
	_, err := NewSigner("")
	assert.Error(t, err)
}

func TestDigest_Format(t *testing.T) {
	s := newTestSigner(t)

	digest, err := s.Digest(samplePayload())
	require.NoError(t, err)

	body := `{"ticketId":"TKT-1","userId":"u1","eventId":"e1","transactionId":"tx1","bookingId":"b1","issuedAt":1700000000000,"tierName":"VIP","gateAccessLevel":1}`
	assert.Equal(t, sha(body+testSecret), digest)
	assert.Len(t, digest, 64)
	assert.Equal(t, strings.ToLower(digest), digest)
}

func TestDigest_DoesNotEscapeHTML(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload()
	p.TierName = ""
	p.GateAccessLevel = models.AccessGeneral
	p.AttendeeName = "A&B <x>"

	digest, err := s.Digest(p)
	require.NoError(t, err)

	body := `{"ticketId":"TKT-1","userId":"u1","eventId":"e1","transactionId":"tx1","bookingId":"b1","issuedAt":1700000000000,"attendeeName":"A&B <x>"}`
	assert.Equal(t, sha(body+testSecret), digest)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload()
	p.AttendeeName = "Jane Doe"
	p.AttendeeEmail = "jane@example.com"
	p.EventTitle = "Open Air"
	p.EventDate = "2026-11-01"
	p.ExpiresAt = 1800000000000

	envelope, digest, err := s.Sign(p)
	require.NoError(t, err)

	v := s.Verify(envelope)
	assert.True(t, v.Valid)
	assert.NoError(t, v.Err)
	assert.Equal(t, p, v.Payload)
	assert.Equal(t, digest, v.Signature)
	assert.False(t, v.Legacy)
}

func TestEnvelope_SignatureIsLastMember(t *testing.T) {
	s := newTestSigner(t)
	envelope, digest, err := s.Sign(samplePayload())
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(envelope)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), `,"signature":"`+digest+`"}`))
}

func TestVerify_WrongSecret(t *testing.T) {
	envelope, _, err := newTestSigner(t).Sign(samplePayload())
	require.NoError(t, err)

	other, err := NewSigner("another-secret")
	require.NoError(t, err)

	v := other.Verify(envelope)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonSignatureMismatch, v.Reason)
	assert.True(t, errors.Is(v.Err, status.ErrSignatureMismatch))
}

func TestVerify_AttendeeNameEdited(t *testing.T) {
	s := newTestSigner(t)
	p := samplePayload()
	p.AttendeeName = "Alice"
	envelope, _, err := s.Sign(p)
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(envelope)
	edited := strings.Replace(string(raw), `"Alice"`, `"Mallory"`, 1)

	v := s.Verify(base64.StdEncoding.EncodeToString([]byte(edited)))
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonSignatureMismatch, v.Reason)
	assert.Equal(t, "Mallory", v.Payload.AttendeeName)
}

func TestVerify_AnySingleCharacterChangeFails(t *testing.T) {
	s := newTestSigner(t)
	envelope, _, err := s.Sign(samplePayload())
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(envelope)
	payloadEnd := strings.Index(string(raw), `,"signature"`)
	require.Positive(t, payloadEnd)

	for i := 0; i < payloadEnd; i++ {
		mutated := []byte(string(raw))
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}

		v := s.Verify(base64.StdEncoding.EncodeToString(mutated))
		assert.False(t, v.Valid, "byte %d (%q) changed but envelope still verified", i, raw[i])
	}
}

func TestVerify_LegacyHashKey(t *testing.T) {
	s := newTestSigner(t)
	body := `{"ticketId":"TKT-9","userId":"u1","eventId":"e1","transactionId":"tx1","bookingId":"b1","issuedAt":1690000000000}`
	raw := body[:len(body)-1] + `,"hash":"` + sha(body+testSecret) + `"}`

	v := s.Verify(base64.StdEncoding.EncodeToString([]byte(raw)))
	assert.True(t, v.Valid)
	assert.True(t, v.Legacy)
	assert.Equal(t, "TKT-9", v.Payload.TicketID)
}

func TestVerify_ForeignMemberOrderAndExplicitZero(t *testing.T) {
	s := newTestSigner(t)
	body := `{"bookingId":"b1","ticketId":"TKT-7","eventId":"e1","userId":"u1","transactionId":"tx1","issuedAt":1690000000000,"gateAccessLevel":0}`
	raw := `{"signature":"` + sha(body+testSecret) + `",` + body[1:]

	v := s.Verify(base64.StdEncoding.EncodeToString([]byte(raw)))
	assert.True(t, v.Valid)
	assert.Equal(t, models.AccessGeneral, v.Payload.GateAccessLevel)
}

func TestVerify_Malformed(t *testing.T) {
	s := newTestSigner(t)
	body := `{"ticketId":"TKT-1","userId":"u1","eventId":"e1","transactionId":"tx1","bookingId":"b1","issuedAt":1}`
	sig := sha(body + testSecret)
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	cases := map[string]string{
		"not base64":        "***not-base64***",
		"not json":          enc("hello"),
		"array":             enc(`["a"]`),
		"missing signature": enc(body),
		"empty signature":   enc(body[:len(body)-1] + `,"signature":""}`),
		"numeric signature": enc(body[:len(body)-1] + `,"signature":12}`),
		"both keys":         enc(body[:len(body)-1] + `,"signature":"` + sig + `","hash":"` + sig + `"}`),
		"unknown member":    enc(body[:len(body)-1] + `,"seat":"A1","signature":"` + sig + `"}`),
		"duplicate member":  enc(body[:len(body)-1] + `,"userId":"u2","signature":"` + sig + `"}`),
		"missing ticketId":  enc(`{"userId":"u1","eventId":"e1","transactionId":"tx1","bookingId":"b1","issuedAt":1,"signature":"` + sig + `"}`),
		"wrong type":        enc(`{"ticketId":"TKT-1","userId":"u1","eventId":"e1","transactionId":"tx1","bookingId":"b1","issuedAt":"1","signature":"` + sig + `"}`),
		"trailing data":     enc(body[:len(body)-1] + `,"signature":"` + sig + `"}{}`),
		"empty":             "",
	}

	for name, envelope := range cases {
		t.Run(name, func(t *testing.T) {
			v := s.Verify(envelope)
			assert.False(t, v.Valid)
			assert.Equal(t, ReasonMalformed, v.Reason)
			assert.True(t, errors.Is(v.Err, status.ErrMalformedEnvelope), "got %v", v.Err)
		})
	}
}

func TestBuildPayload_StampsIssuedAt(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	p := BuildPayload(models.PayloadFields{
		TicketID: "TKT-1",
		UserID:   "u1",
		EventID:  "e1",
		TierName: "General",
	}, now)

	assert.Equal(t, int64(1700000000123), p.IssuedAt)
	assert.Equal(t, "General", p.TierName)
	assert.Equal(t, models.AccessGeneral, p.GateAccessLevel)
}

func TestSigner_LogValueRedactsSecret(t *testing.T) {
	s := newTestSigner(t)
	out := fmt.Sprint(s.LogValue())
	assert.NotContains(t, out, testSecret)
	assert.Equal(t, slog.KindString, s.LogValue().Kind())
}

func TestRenderPNG(t *testing.T) {
	envelope, _, err := newTestSigner(t).Sign(samplePayload())
	require.NoError(t, err)

	img, err := RenderPNG(envelope, 256)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), img[:4])
}

func BenchmarkSign(b *testing.B) {
	s, _ := NewSigner(testSecret)
	p := samplePayload()
	for i := 0; i < b.N; i++ {
		_, _, _ = s.Sign(p)
	}
}

func BenchmarkVerify(b *testing.B) {
	s, _ := NewSigner(testSecret)
	envelope, _, _ := s.Sign(samplePayload())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Verify(envelope)
	}
}
