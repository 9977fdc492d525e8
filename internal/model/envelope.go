package model

import (
	"bytes"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is carried in every envelope; the relay rejects nothing
// based on it, upper layers may.
const ProtocolVersion = 1

type (
	EnvelopeType    string
	PayloadEncoding string

	// MessageEnvelope is the unit of transport. The relay treats Payload as
	// opaque bytes and routes purely on ToDid/FromDid/ID.
	MessageEnvelope struct {
		Version   int             `json:"version"`
		ID        string          `json:"id"`
		Type      EnvelopeType    `json:"type"`
		FromDid   string          `json:"fromDid"`
		ToDid     string          `json:"toDid"`
		CreatedAt string          `json:"createdAt"`
		Encoding  PayloadEncoding `json:"encoding"`
		Payload   []byte          `json:"payload"`
		Signature []byte          `json:"signature,omitempty"`
		Resource  string          `json:"resource,omitempty"`
	}
)

const (
	EnvelopeVerification     EnvelopeType = "verification"
	EnvelopeAttestation      EnvelopeType = "attestation"
	EnvelopeContactRequest   EnvelopeType = "contact-request"
	EnvelopeItemKey          EnvelopeType = "item-key"
	EnvelopeSpaceInvite      EnvelopeType = "space-invite"
	EnvelopeGroupKeyRotation EnvelopeType = "group-key-rotation"
	EnvelopeProfileUpdate    EnvelopeType = "profile-update"
	EnvelopeAck              EnvelopeType = "ack"
	EnvelopeContent          EnvelopeType = "content"
)

const (
	EncodingJSON   PayloadEncoding = "json"
	EncodingCBOR   PayloadEncoding = "cbor"
	EncodingBase64 PayloadEncoding = "base64"
)

func NewEnvelope(t EnvelopeType, fromDid, toDid string, encoding PayloadEncoding, payload []byte) *MessageEnvelope {
	return &MessageEnvelope{
		Version:   ProtocolVersion,
		ID:        uuid.NewString(),
		Type:      t,
		FromDid:   fromDid,
		ToDid:     toDid,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Encoding:  encoding,
		Payload:   payload,
	}
}

// CanonicalBytes is the byte string covered by Signature. The relay never
// verifies it; layers above do.
func (e *MessageEnvelope) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(e.Version))
	buf.WriteByte('|')
	buf.WriteString(e.ID)
	buf.WriteByte('|')
	buf.WriteString(string(e.Type))
	buf.WriteByte('|')
	buf.WriteString(e.FromDid)
	buf.WriteByte('|')
	buf.WriteString(e.ToDid)
	buf.WriteByte('|')
	buf.WriteString(e.CreatedAt)
	buf.WriteByte('|')
	buf.WriteString(string(e.Encoding))
	buf.WriteByte('|')
	buf.Write(e.Payload)
	return buf.Bytes()
}
