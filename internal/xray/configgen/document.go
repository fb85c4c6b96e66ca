// Package configgen transforms the domain model (inbounds, effective user
// sets, routing profile, feature flags) into the data plane's JSON config
// document. Generation is pure: no I/O and no input mutation.
package configgen

import (
	"bytes"
	"encoding/json"
)

// Document is the top-level data-plane config. Field order follows the
// data plane's documented schema so serialized output diffs cleanly.
type Document struct {
	Log         *LogConfig       `json:"log,omitempty"`
	API         *APIConfig       `json:"api,omitempty"`
	Stats       *StatsConfig     `json:"stats,omitempty"`
	Policy      *PolicyConfig    `json:"policy,omitempty"`
	Inbounds    []InboundConfig  `json:"inbounds"`
	Outbounds   []OutboundConfig `json:"outbounds"`
	Routing     *RoutingSection  `json:"routing,omitempty"`
	Observatory *Observatory     `json:"observatory,omitempty"`
	DNS         json.RawMessage  `json:"dns,omitempty"`
}

// Encode serializes with stable ordering and two-space indentation.
func (d *Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type LogConfig struct {
	Access   string `json:"access,omitempty"`
	Error    string `json:"error,omitempty"`
	Loglevel string `json:"loglevel"`
}

type APIConfig struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

// StatsConfig enables the stats service; the data plane expects an empty
// object.
type StatsConfig struct{}

type PolicyConfig struct {
	Levels map[string]PolicyLevel `json:"levels"`
	System PolicySystem           `json:"system"`
}

type PolicyLevel struct {
	StatsUserUplink   bool `json:"statsUserUplink"`
	StatsUserDownlink bool `json:"statsUserDownlink"`
}

type PolicySystem struct {
	StatsInboundUplink    bool `json:"statsInboundUplink"`
	StatsInboundDownlink  bool `json:"statsInboundDownlink"`
	StatsOutboundUplink   bool `json:"statsOutboundUplink"`
	StatsOutboundDownlink bool `json:"statsOutboundDownlink"`
}

type InboundConfig struct {
	Listen         string          `json:"listen,omitempty"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings,omitempty"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
	Tag            string          `json:"tag"`
	Sniffing       *Sniffing       `json:"sniffing,omitempty"`
}

type OutboundConfig struct {
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings,omitempty"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
	Tag            string          `json:"tag"`
}

type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride,omitempty"`
}

type StreamSettings struct {
	Network         string           `json:"network,omitempty"`
	Security        string           `json:"security,omitempty"`
	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	WSSettings      *WSSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *GRPCSettings    `json:"grpcSettings,omitempty"`
	HTTPUpgrade     *HTTPUpgrade     `json:"httpupgradeSettings,omitempty"`
	XHTTPSettings   *XHTTPSettings   `json:"xhttpSettings,omitempty"`
	HTTPSettings    *HTTPSettings    `json:"httpSettings,omitempty"`
}

type TLSSettings struct {
	ServerName   string        `json:"serverName,omitempty"`
	Certificates []Certificate `json:"certificates,omitempty"`
}

type Certificate struct {
	CertificateFile string `json:"certificateFile"`
	KeyFile         string `json:"keyFile"`
}

type RealitySettings struct {
	Show        bool     `json:"show"`
	Dest        string   `json:"dest"`
	Xver        int      `json:"xver"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIds    []string `json:"shortIds"`
}

type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

type HTTPUpgrade struct {
	Path string `json:"path,omitempty"`
	Host string `json:"host,omitempty"`
}

type XHTTPSettings struct {
	Path string `json:"path,omitempty"`
	Mode string `json:"mode,omitempty"`
}

type HTTPSettings struct {
	Path string   `json:"path,omitempty"`
	Host []string `json:"host,omitempty"`
}

type RoutingSection struct {
	DomainStrategy string        `json:"domainStrategy,omitempty"`
	Rules          []RoutingRule `json:"rules"`
	Balancers      []Balancer    `json:"balancers,omitempty"`
}

type RoutingRule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag,omitempty"`
	OutboundTag string   `json:"outboundTag,omitempty"`
	BalancerTag string   `json:"balancerTag,omitempty"`
	Protocol    []string `json:"protocol,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Domain      []string `json:"domain,omitempty"`
	Port        string   `json:"port,omitempty"`
	Network     string   `json:"network,omitempty"`
}

// Fingerprint returns the full-value identity of a rule, used to
// deduplicate rules contributed by multiple sources.
func (r RoutingRule) Fingerprint() string {
	raw, _ := json.Marshal(r)
	return string(raw)
}

type Balancer struct {
	Tag      string           `json:"tag"`
	Selector []string         `json:"selector"`
	Strategy BalancerStrategy `json:"strategy"`
}

type BalancerStrategy struct {
	Type string `json:"type"`
}

type Observatory struct {
	SubjectSelector []string `json:"subjectSelector"`
	ProbeURL        string   `json:"probeUrl"`
	ProbeInterval   string   `json:"probeInterval"`
}
