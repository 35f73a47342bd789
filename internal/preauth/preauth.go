// Package preauth implements the short-lived record a service
// authenticates into and later redeems by reconnecting with its
// secret prefixed on the wire (spec §4.9, §6, §9).
package preauth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/anthropics/lolb/internal/lolberr"
)

// TTL is how long a Preauthed record remains redeemable after
// creation (spec §3 invariant: "valid for exactly 10 seconds").
const TTL = 10 * time.Second

// ReconnectKey is the opaque 64-bit secret a service presents (as the
// 8 bytes following the "lolb" prefix, spec §6) to redeem its
// Preauthed record.
type ReconnectKey uint64

// NewReconnectKey generates a cryptographically random key.
func NewReconnectKey() (ReconnectKey, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, lolberr.IO(err)
	}
	return ReconnectKey(binary.BigEndian.Uint64(b[:])), nil
}

// Bytes renders the key as the 8 big-endian bytes that follow the
// "lolb" prefix on the wire.
func (k ReconnectKey) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(k))
	return b[:]
}

// ParseReconnectKey reads a ReconnectKey from its 8-byte big-endian
// wire representation.
func ParseReconnectKey(b []byte) ReconnectKey {
	return ReconnectKey(binary.BigEndian.Uint64(b))
}

// Preauthed is created when a service completes its first
// authenticated registration and records where its subsequent HTTP/2
// upstream connection should be routed.
type Preauthed struct {
	Created time.Time `json:"created"`
	Domain  string    `json:"domain"`
	Host    string    `json:"host"`
	Prefix  string    `json:"prefix"`
}

// New creates a Preauthed record for (domain, host, prefix), stamped
// with the current time.
func New(domain, host, prefix string) Preauthed {
	return Preauthed{Created: time.Now(), Domain: domain, Host: host, Prefix: prefix}
}

// Valid reports whether the record is still within its TTL. A record
// with age >= 10s must be rejected even if storage still holds it
// (spec §8 invariant 7).
func (p Preauthed) Valid() bool {
	return time.Since(p.Created) < TTL
}

// Marshal serializes p to the self-describing text format persisted
// under its ReconnectKey (spec §4.9: "serializes to a self-describing
// text format").
func (p Preauthed) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, lolberr.Owned("marshal preauthed record: %v", err)
	}
	return b, nil
}

// Unmarshal parses a Preauthed record serialized by Marshal.
func Unmarshal(b []byte) (Preauthed, error) {
	var p Preauthed
	if err := json.Unmarshal(b, &p); err != nil {
		return Preauthed{}, lolberr.Owned("unmarshal preauthed record: %v", err)
	}
	return p, nil
}

// WirePrefix is the 4-byte ASCII literal that marks a service-node
// reconnect on the wire, followed by an 8-byte big-endian
// ReconnectKey (spec §6: 12 bytes total).
const (
	WirePrefix = "lolb"
	WireLen    = 12
)
