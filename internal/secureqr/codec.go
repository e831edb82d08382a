// Package secureqr builds, signs and verifies the Base64(JSON) envelopes
// printed on tickets.
package secureqr

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ticket-gate/internal/status"
	"ticket-gate/models"
)

const (
	signatureKey = "signature"
	legacyKey    = "hash"
)

var requiredKeys = []string{"ticketId", "userId", "eventId", "transactionId", "bookingId", "issuedAt"}

// Decoded is the result of a successful envelope decode.
type Decoded struct {
	Payload   models.QRPayload
	Signature string
	// Signed is the exact payload byte sequence the signature covers.
	Signed []byte
	// Legacy is true when the signature was carried under the old "hash" key.
	Legacy bool
}

// BuildPayload stamps IssuedAt and copies every other field unchanged.
// GateAccessLevel is not defaulted here.
func BuildPayload(f models.PayloadFields, now time.Time) models.QRPayload {
	return models.QRPayload{
		TicketID:        f.TicketID,
		UserID:          f.UserID,
		EventID:         f.EventID,
		TransactionID:   f.TransactionID,
		BookingID:       f.BookingID,
		IssuedAt:        now.UnixMilli(),
		AttendeeName:    f.AttendeeName,
		AttendeeEmail:   f.AttendeeEmail,
		TierName:        f.TierName,
		GateAccessLevel: f.GateAccessLevel,
		EventTitle:      f.EventTitle,
		EventDate:       f.EventDate,
		ExpiresAt:       f.ExpiresAt,
	}
}

// EncodeEnvelope appends the signature as the last member of the payload
// object and Base64-encodes the result.
func EncodeEnvelope(p models.QRPayload, digest string) (string, error) {
	body, err := marshalPayload(p)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(digest) + 16)
	buf.Write(body[:len(body)-1])
	buf.WriteString(`,"` + signatureKey + `":`)
	if err := writeJSONString(&buf, digest); err != nil {
		return "", err
	}
	buf.WriteByte('}')

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeEnvelope never panics; every failure wraps status.ErrMalformedEnvelope.
func DecodeEnvelope(raw string) (Decoded, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return Decoded{}, malformed("base64: %v", err)
	}

	members, err := splitMembers(data)
	if err != nil {
		return Decoded{}, malformed("json: %v", err)
	}

	var (
		dec       Decoded
		kept      = make([]member, 0, len(members))
		sigMember *member
		seen      = make(map[string]bool, len(members))
	)
	for i := range members {
		m := members[i]
		if seen[m.key] {
			return Decoded{}, malformed("duplicate member %q", m.key)
		}
		seen[m.key] = true

		switch m.key {
		case signatureKey, legacyKey:
			if sigMember != nil {
				return Decoded{}, malformed("both signature and hash present")
			}
			sigMember = &members[i]
		default:
			kept = append(kept, m)
		}
	}
	if sigMember == nil {
		return Decoded{}, malformed("missing signature")
	}
	if err := json.Unmarshal(sigMember.value, &dec.Signature); err != nil || dec.Signature == "" {
		return Decoded{}, malformed("signature is not a string")
	}
	dec.Legacy = sigMember.key == legacyKey

	for _, key := range requiredKeys {
		if !seen[key] {
			return Decoded{}, malformed("missing member %q", key)
		}
	}

	dec.Signed, err = joinMembers(kept)
	if err != nil {
		return Decoded{}, malformed("json: %v", err)
	}

	strict := json.NewDecoder(bytes.NewReader(dec.Signed))
	strict.DisallowUnknownFields()
	if err := strict.Decode(&dec.Payload); err != nil {
		return Decoded{}, malformed("payload: %v", err)
	}

	return dec, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", status.ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}

// marshalPayload produces the compact form that is signed. HTML characters
// are left unescaped so the bytes match a plain JSON.stringify.
func marshalPayload(p models.QRPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type member struct {
	key   string
	value json.RawMessage
}

// splitMembers reads a top-level JSON object keeping member order and raw value bytes.
func splitMembers(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("envelope is not an object")
	}

	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("invalid object key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		members = append(members, member{key: key, value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after envelope")
	}

	return members, nil
}

func joinMembers(members []member) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, m.key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		buf.Write(m.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}
