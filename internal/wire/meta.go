package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Machine-parseable reason strings surfaced to clients and, for the public
// side, mapped onto HTTP statuses. Internal identifiers never appear here.
const (
	ReasonAuthError          = "auth_error"
	ReasonIncompatibleClient = "incompatible_client"
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonRouteConflict      = "route_conflict"
	ReasonSessionGone        = "session_gone"
	ReasonCancelled          = "cancelled"
	ReasonUpstreamUnreachable = "upstream_unreachable"
	ReasonTimeout            = "timeout"
	ReasonProtocolViolation  = "protocol_violation"
	ReasonInternal           = "internal"
)

// Stream meta kinds carried by OpenStream frames.
const (
	KindRequest  = "request"
	KindResponse = "response"
)

// AuthRequest is the Auth frame payload, sent once at connection start.
type AuthRequest struct {
	Version    int    `json:"version"`
	Token      string `json:"token"`
	Hostname   string `json:"hostname,omitempty"` // requested subdomain label or FQDN; empty = assign random
	Reserved   bool   `json:"reserved,omitempty"` // reserve the hostname for this user
	BasicUser  string `json:"basic_user,omitempty"`
	BasicPass  string `json:"basic_pass,omitempty"`
	ClientName string `json:"client_name,omitempty"`
}

// AuthReply is the AuthAck frame payload.
type AuthReply struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	HeartbeatSec int    `json:"heartbeat_sec,omitempty"`
	MaxStreams   int    `json:"max_streams,omitempty"`
}

// StreamMeta describes one forwarded exchange. The opener sends
// Kind=request; the tunnel holder answers on the same stream with
// Kind=response before any response Data.
type StreamMeta struct {
	Kind      string              `json:"kind"`
	Method    string              `json:"method,omitempty"`
	Path      string              `json:"path,omitempty"`
	Query     string              `json:"query,omitempty"`
	Header    map[string][]string `json:"header,omitempty"`
	Status    int                 `json:"status,omitempty"`
	WebSocket bool                `json:"websocket,omitempty"`
}

// CloseInfo is the CloseStream frame payload.
type CloseInfo struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// MarshalMeta encodes any control payload struct as frame bytes.
func MarshalMeta(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode meta: %w", err)
	}
	if len(b) > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

// UnmarshalMeta decodes a control payload into v.
func UnmarshalMeta(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("wire: decode meta: %w", err)
	}
	return nil
}

// IsUpgradeMeta reports whether the request meta describes a WebSocket
// upgrade (Connection: upgrade plus Upgrade: websocket).
func (m *StreamMeta) IsUpgradeMeta() bool {
	if m.WebSocket {
		return true
	}
	upgrade := false
	for _, v := range m.Header["Upgrade"] {
		if strings.EqualFold(strings.TrimSpace(v), "websocket") {
			upgrade = true
		}
	}
	if !upgrade {
		return false
	}
	for _, cv := range m.Header["Connection"] {
		for _, token := range strings.Split(cv, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// CloneHeader returns a deep copy of an HTTP header map.
func CloneHeader(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
