// Package inbound defines data-plane listener configuration owned by the
// control plane.
package inbound

import "time"

// Protocol is the wire protocol terminated by an inbound.
type Protocol string

const (
	VLESS       Protocol = "vless"
	VMESS       Protocol = "vmess"
	Trojan      Protocol = "trojan"
	Shadowsocks Protocol = "shadowsocks"
	SOCKS       Protocol = "socks"
	HTTP        Protocol = "http"
	Dokodemo    Protocol = "dokodemo-door"
	WireGuard   Protocol = "wireguard"
	MTProto     Protocol = "mtproto"
)

// RequiresClients reports whether the protocol authenticates per-user
// credentials. Inbounds of these protocols with no effective users are
// omitted from generated configs.
func (p Protocol) RequiresClients() bool {
	switch p {
	case VLESS, VMESS, Trojan, Shadowsocks, MTProto:
		return true
	}
	return false
}

// Network is the stream transport.
type Network string

const (
	NetworkTCP         Network = "tcp"
	NetworkWS          Network = "ws"
	NetworkGRPC        Network = "grpc"
	NetworkHTTP        Network = "http"
	NetworkHTTPUpgrade Network = "httpupgrade"
	NetworkXHTTP       Network = "xhttp"
)

// Security is the stream security layer.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// Fallback is an ordered fallback destination for VLESS/Trojan inbounds.
type Fallback struct {
	Name string `json:"name,omitempty"`
	Alpn string `json:"alpn,omitempty"`
	Path string `json:"path,omitempty"`
	Dest string `json:"dest"`
	Xver int    `json:"xver,omitempty"`
}

// Inbound is a protocol listener definition.
type Inbound struct {
	ID       uint
	Tag      string
	Protocol Protocol
	Network  Network
	Security Security
	Listen   string
	Port     int
	Enabled  bool

	// Transport-specific fields.
	WSPath          string
	WSHost          string
	GRPCServiceName string
	XHTTPMode       string

	// TLS / REALITY.
	TLSCertFile        string
	TLSKeyFile         string
	RealityPrivateKey  string
	RealityPublicKey   string
	RealityDest        string
	RealityServerNames []string
	RealityShortIDs    []string

	// WireGuard.
	WGPrivateKey string
	WGPeerPubKey string
	WGAddresses  []string
	WGEndpoint   string
	WGMTU        int

	// Shadowsocks.
	SSCipher string

	// Dokodemo-door.
	DokodemoAddress string
	DokodemoPort    int
	DokodemoNetwork string

	Fallbacks []Fallback

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Account is one effective user of an inbound as consumed by the config
// generator: the flattened union of direct and group-derived relations.
type Account struct {
	UserID   uint
	Email    string
	UUID     string
	Password string
	Priority int
}
