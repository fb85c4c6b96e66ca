package configgen

import (
	"fmt"
	"strings"

	"oneui/internal/domain/inbound"
)

// emitResult is one inbound's contribution to the document. WireGuard
// contributes a paired outbound and a binding rule besides the listener.
type emitResult struct {
	inbound  *InboundConfig
	outbound *OutboundConfig
	rules    []RoutingRule
}

type emitter func(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error)

var emitters = map[inbound.Protocol]emitter{
	inbound.VLESS:       emitVLESS,
	inbound.VMESS:       emitVMESS,
	inbound.Trojan:      emitTrojan,
	inbound.Shadowsocks: emitShadowsocks,
	inbound.SOCKS:       emitSOCKS,
	inbound.HTTP:        emitHTTP,
	inbound.Dokodemo:    emitDokodemo,
	inbound.WireGuard:   emitWireGuard,
	inbound.MTProto:     emitMTProto,
}

type vlessClient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Flow  string `json:"flow,omitempty"`
}

type vlessSettings struct {
	Clients    []vlessClient      `json:"clients"`
	Decryption string             `json:"decryption"`
	Fallbacks  []inbound.Fallback `json:"fallbacks,omitempty"`
}

func emitVLESS(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	flow := ""
	if inb.Security == inbound.SecurityReality {
		// Vision flow is mandatory over raw TCP REALITY.
		if inb.Network == inbound.NetworkTCP || inb.Network == "" {
			flow = "xtls-rprx-vision"
		}
	}
	clients := make([]vlessClient, 0, len(accounts))
	for _, acc := range accounts {
		clients = append(clients, vlessClient{ID: acc.UUID, Email: acc.Email, Flow: flow})
	}
	stream, err := buildStreamSettings(inb)
	if err != nil {
		return nil, err
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.VLESS),
		Settings: vlessSettings{
			Clients:    clients,
			Decryption: "none",
			Fallbacks:  inb.Fallbacks,
		},
		StreamSettings: stream,
		Tag:            inb.Tag,
		Sniffing:       defaultSniffing(),
	}}, nil
}

type vmessClient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type vmessSettings struct {
	Clients []vmessClient `json:"clients"`
}

func emitVMESS(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	clients := make([]vmessClient, 0, len(accounts))
	for _, acc := range accounts {
		clients = append(clients, vmessClient{ID: acc.UUID, Email: acc.Email})
	}
	stream, err := buildStreamSettings(inb)
	if err != nil {
		return nil, err
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:         inb.Listen,
		Port:           inb.Port,
		Protocol:       string(inbound.VMESS),
		Settings:       vmessSettings{Clients: clients},
		StreamSettings: stream,
		Tag:            inb.Tag,
		Sniffing:       defaultSniffing(),
	}}, nil
}

type trojanClient struct {
	Password string `json:"password"`
	Email    string `json:"email"`
}

type trojanSettings struct {
	Clients   []trojanClient     `json:"clients"`
	Fallbacks []inbound.Fallback `json:"fallbacks,omitempty"`
}

func emitTrojan(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	clients := make([]trojanClient, 0, len(accounts))
	for _, acc := range accounts {
		clients = append(clients, trojanClient{Password: acc.Password, Email: acc.Email})
	}
	stream, err := buildStreamSettings(inb)
	if err != nil {
		return nil, err
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.Trojan),
		Settings: trojanSettings{
			Clients:   clients,
			Fallbacks: inb.Fallbacks,
		},
		StreamSettings: stream,
		Tag:            inb.Tag,
		Sniffing:       defaultSniffing(),
	}}, nil
}

type ssClient struct {
	Method   string `json:"method,omitempty"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type ssSettings struct {
	Method   string     `json:"method"`
	Password string     `json:"password,omitempty"`
	Clients  []ssClient `json:"clients"`
	Network  string     `json:"network"`
}

// isSS2022 reports whether the cipher follows the 2022 edition key scheme,
// which moves the method to the inbound and keys the server separately.
func isSS2022(cipher string) bool {
	return strings.HasPrefix(cipher, "2022-blake3-")
}

func emitShadowsocks(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	cipher := inb.SSCipher
	if cipher == "" {
		cipher = "chacha20-ietf-poly1305"
	}
	settings := ssSettings{Method: cipher, Network: "tcp,udp"}
	for i, acc := range accounts {
		client := ssClient{Password: acc.Password, Email: acc.Email}
		if isSS2022(cipher) {
			// 2022 ciphers: server PSK comes from the first account, clients
			// carry only their own key.
			if i == 0 {
				settings.Password = acc.Password
			}
		} else {
			client.Method = cipher
		}
		settings.Clients = append(settings.Clients, client)
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.Shadowsocks),
		Settings: settings,
		Tag:      inb.Tag,
		Sniffing: defaultSniffing(),
	}}, nil
}

type proxyAccount struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

type socksSettings struct {
	Auth     string         `json:"auth"`
	Accounts []proxyAccount `json:"accounts,omitempty"`
	UDP      bool           `json:"udp"`
}

func emitSOCKS(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	settings := socksSettings{Auth: "noauth", UDP: true}
	for _, acc := range accounts {
		settings.Accounts = append(settings.Accounts, proxyAccount{User: acc.Email, Pass: acc.Password})
	}
	if len(settings.Accounts) > 0 {
		settings.Auth = "password"
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.SOCKS),
		Settings: settings,
		Tag:      inb.Tag,
		Sniffing: defaultSniffing(),
	}}, nil
}

type httpSettings struct {
	Accounts []proxyAccount `json:"accounts,omitempty"`
}

func emitHTTP(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	var settings httpSettings
	for _, acc := range accounts {
		settings.Accounts = append(settings.Accounts, proxyAccount{User: acc.Email, Pass: acc.Password})
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.HTTP),
		Settings: settings,
		Tag:      inb.Tag,
	}}, nil
}

type dokodemoSettings struct {
	Address        string `json:"address,omitempty"`
	Port           int    `json:"port,omitempty"`
	Network        string `json:"network,omitempty"`
	FollowRedirect bool   `json:"followRedirect,omitempty"`
}

func emitDokodemo(inb *inbound.Inbound, _ []inbound.Account) (*emitResult, error) {
	network := inb.DokodemoNetwork
	if network == "" {
		network = "tcp,udp"
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.Dokodemo),
		Settings: dokodemoSettings{
			Address: inb.DokodemoAddress,
			Port:    inb.DokodemoPort,
			Network: network,
		},
		Tag: inb.Tag,
	}}, nil
}

type wgPeer struct {
	PublicKey string `json:"publicKey"`
	Endpoint  string `json:"endpoint,omitempty"`
}

type wgOutboundSettings struct {
	SecretKey string   `json:"secretKey"`
	Address   []string `json:"address,omitempty"`
	Peers     []wgPeer `json:"peers"`
	MTU       int      `json:"mtu,omitempty"`
}

// emitWireGuard produces a local SOCKS entry point, a WireGuard outbound
// carrying the tunnel keys, and the rule binding the two. Inbounds with
// missing key material are skipped entirely.
func emitWireGuard(inb *inbound.Inbound, _ []inbound.Account) (*emitResult, error) {
	if inb.WGPrivateKey == "" || inb.WGPeerPubKey == "" {
		return nil, nil
	}
	if _, err := DerivePublicKey(inb.WGPrivateKey); err != nil {
		return nil, nil
	}
	outTag := "wg-out-" + inb.Tag
	return &emitResult{
		inbound: &InboundConfig{
			Listen:   inb.Listen,
			Port:     inb.Port,
			Protocol: string(inbound.SOCKS),
			Settings: socksSettings{Auth: "noauth", UDP: true},
			Tag:      inb.Tag,
		},
		outbound: &OutboundConfig{
			Protocol: string(inbound.WireGuard),
			Settings: wgOutboundSettings{
				SecretKey: inb.WGPrivateKey,
				Address:   inb.WGAddresses,
				Peers:     []wgPeer{{PublicKey: inb.WGPeerPubKey, Endpoint: inb.WGEndpoint}},
				MTU:       inb.WGMTU,
			},
			Tag: outTag,
		},
		rules: []RoutingRule{{
			Type:        "field",
			InboundTag:  []string{inb.Tag},
			OutboundTag: outTag,
		}},
	}, nil
}

type mtprotoUser struct {
	Secret string `json:"secret"`
	Email  string `json:"email,omitempty"`
}

type mtprotoSettings struct {
	Users []mtprotoUser `json:"users"`
}

func emitMTProto(inb *inbound.Inbound, accounts []inbound.Account) (*emitResult, error) {
	users := make([]mtprotoUser, 0, len(accounts))
	for _, acc := range accounts {
		users = append(users, mtprotoUser{Secret: acc.Password, Email: acc.Email})
	}
	return &emitResult{inbound: &InboundConfig{
		Listen:   inb.Listen,
		Port:     inb.Port,
		Protocol: string(inbound.MTProto),
		Settings: mtprotoSettings{Users: users},
		Tag:      inb.Tag,
	}}, nil
}

func defaultSniffing() *Sniffing {
	return &Sniffing{Enabled: true, DestOverride: []string{"http", "tls", "quic"}}
}

// buildStreamSettings maps an inbound's transport and security fields onto
// the document's streamSettings block.
func buildStreamSettings(inb *inbound.Inbound) (*StreamSettings, error) {
	network := inb.Network
	if network == "" {
		network = inbound.NetworkTCP
	}
	stream := &StreamSettings{Network: string(network)}

	switch network {
	case inbound.NetworkWS:
		ws := &WSSettings{Path: inb.WSPath}
		if inb.WSHost != "" {
			ws.Headers = map[string]string{"Host": inb.WSHost}
		}
		stream.WSSettings = ws
	case inbound.NetworkGRPC:
		stream.GRPCSettings = &GRPCSettings{ServiceName: inb.GRPCServiceName}
	case inbound.NetworkHTTPUpgrade:
		stream.HTTPUpgrade = &HTTPUpgrade{Path: inb.WSPath, Host: inb.WSHost}
	case inbound.NetworkXHTTP:
		stream.XHTTPSettings = &XHTTPSettings{Path: inb.WSPath, Mode: inb.XHTTPMode}
	case inbound.NetworkHTTP:
		http := &HTTPSettings{Path: inb.WSPath}
		if inb.WSHost != "" {
			http.Host = []string{inb.WSHost}
		}
		stream.HTTPSettings = http
	}

	switch inb.Security {
	case inbound.SecurityTLS:
		stream.Security = "tls"
		tls := &TLSSettings{ServerName: inb.WSHost}
		if inb.TLSCertFile != "" {
			tls.Certificates = []Certificate{{
				CertificateFile: inb.TLSCertFile,
				KeyFile:         inb.TLSKeyFile,
			}}
		}
		stream.TLSSettings = tls
	case inbound.SecurityReality:
		if inb.Protocol != inbound.VLESS {
			return nil, fmt.Errorf("reality security requires vless, got %s", inb.Protocol)
		}
		if inb.RealityPrivateKey == "" {
			return nil, fmt.Errorf("reality inbound %s has no private key", inb.Tag)
		}
		pub, err := DerivePublicKey(inb.RealityPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("reality inbound %s private key invalid: %w", inb.Tag, err)
		}
		if inb.RealityPublicKey != "" && !keysEqual(inb.RealityPublicKey, pub) {
			return nil, fmt.Errorf("reality inbound %s key pair mismatch", inb.Tag)
		}
		serverNames := inb.RealityServerNames
		if len(serverNames) == 0 {
			serverNames = []string{"www.microsoft.com"}
		}
		shortIDs := inb.RealityShortIDs
		if len(shortIDs) == 0 {
			shortIDs = []string{""}
		}
		dest := inb.RealityDest
		if dest == "" {
			dest = serverNames[0] + ":443"
		}
		stream.Security = "reality"
		stream.RealitySettings = &RealitySettings{
			Dest:        dest,
			ServerNames: serverNames,
			PrivateKey:  inb.RealityPrivateKey,
			ShortIds:    shortIDs,
		}
	}
	return stream, nil
}
