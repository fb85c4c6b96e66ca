package configgen

import (
	"fmt"

	"oneui/internal/infrastructure/config"
	"oneui/internal/shared/constants"
)

// Cloudflare's published WARP peer public key; fixed for all accounts.
const warpPeerPublicKey = "bmXOC+F1FxEMF9dyiK2H5/1SUtzH0JuVo51h2wPfgyo="

const warpOutboundTag = "warp"

// buildProfileRules expands the routing mode into concrete rules. Order
// matters: blocks precede bypasses so a blocked destination never escapes
// through a bypass rule.
func buildProfileRules(cfg config.RoutingConfig) []RoutingRule {
	var rules []RoutingRule
	if cfg.Mode == "open" {
		return rules
	}

	if cfg.BlockPrivateIPs {
		rules = append(rules, RoutingRule{
			Type:        "field",
			OutboundTag: constants.BlockedTag,
			IP:          []string{"geoip:private"},
		})
	}
	if cfg.BlockTorrent {
		rules = append(rules, RoutingRule{
			Type:        "field",
			OutboundTag: constants.BlockedTag,
			Protocol:    []string{"bittorrent"},
		})
	}

	switch cfg.Mode {
	case "smart":
		// Domestic traffic short-circuits to direct.
		if len(cfg.DomesticIPs) > 0 {
			rules = append(rules, RoutingRule{
				Type:        "field",
				OutboundTag: constants.DirectTag,
				IP:          cfg.DomesticIPs,
			})
		}
		if len(cfg.DomesticDomains) > 0 {
			rules = append(rules, RoutingRule{
				Type:        "field",
				OutboundTag: constants.DirectTag,
				Domain:      cfg.DomesticDomains,
			})
		}
	case "strict":
		// Domestic traffic is refused outright.
		if len(cfg.DomesticIPs) > 0 {
			rules = append(rules, RoutingRule{
				Type:        "field",
				OutboundTag: constants.BlockedTag,
				IP:          cfg.DomesticIPs,
			})
		}
		if len(cfg.DomesticDomains) > 0 {
			rules = append(rules, RoutingRule{
				Type:        "field",
				OutboundTag: constants.BlockedTag,
				Domain:      cfg.DomesticDomains,
			})
		}
	}
	// "filtered" keeps only the block rules above.
	return rules
}

// dedupeRules drops rules whose full value matches an earlier rule,
// preserving first-occurrence order.
func dedupeRules(rules []RoutingRule) []RoutingRule {
	seen := make(map[string]struct{}, len(rules))
	out := rules[:0]
	for _, rule := range rules {
		fp := rule.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, rule)
	}
	return out
}

func buildWARPOutbound(cfg config.RoutingConfig) (*OutboundConfig, error) {
	if !cfg.WARPEnabled || cfg.WARPPrivateKey == "" {
		return nil, nil
	}
	if _, err := DerivePublicKey(cfg.WARPPrivateKey); err != nil {
		return nil, fmt.Errorf("warp private key invalid: %w", err)
	}
	endpoint := cfg.WARPEndpoint
	if endpoint == "" {
		endpoint = "engage.cloudflareclient.com:2408"
	}
	return &OutboundConfig{
		Protocol: "wireguard",
		Settings: wgOutboundSettings{
			SecretKey: cfg.WARPPrivateKey,
			Address:   []string{"172.16.0.2/32", "2606:4700:110:8949:fe8e:e5d7:b933:6306/128"},
			Peers:     []wgPeer{{PublicKey: warpPeerPublicKey, Endpoint: endpoint}},
		},
		Tag: warpOutboundTag,
	}, nil
}

func buildBalancer(cfg config.RoutingConfig) *Balancer {
	if !cfg.BalancerEnabled {
		return nil
	}
	tag := cfg.BalancerTag
	if tag == "" {
		tag = "balancer"
	}
	selector := cfg.BalancerSelector
	if len(selector) == 0 {
		selector = []string{constants.DirectTag}
	}
	strategy := cfg.BalancerStrategy
	if strategy == "" {
		strategy = "random"
	}
	return &Balancer{Tag: tag, Selector: selector, Strategy: BalancerStrategy{Type: strategy}}
}

func buildObservatory(cfg config.RoutingConfig, balancer *Balancer) *Observatory {
	if !cfg.ObservatoryEnabled {
		return nil
	}
	selector := []string{constants.DirectTag}
	if balancer != nil {
		selector = balancer.Selector
	}
	probeURL := cfg.ObservatoryProbeURL
	if probeURL == "" {
		probeURL = "https://www.google.com/generate_204"
	}
	interval := cfg.ObservatoryInterval
	if interval == "" {
		interval = "5m"
	}
	return &Observatory{
		SubjectSelector: selector,
		ProbeURL:        probeURL,
		ProbeInterval:   interval,
	}
}
