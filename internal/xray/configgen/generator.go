package configgen

import (
	"encoding/json"
	"fmt"
	"sort"

	"oneui/internal/domain/inbound"
	"oneui/internal/infrastructure/config"
	"oneui/internal/shared/constants"
	"oneui/internal/shared/logger"
)

// Entry pairs an inbound with its effective account set, resolved by the
// caller from direct and group relations.
type Entry struct {
	Inbound  *inbound.Inbound
	Accounts []inbound.Account
}

// Input is everything generation depends on. Template carries the raw base
// template document; nil means no template.
type Input struct {
	Entries  []Entry
	Xray     config.XrayConfig
	Routing  config.RoutingConfig
	Template []byte
}

// template holds the parts of the base template the generator merges in.
type template struct {
	DNS     json.RawMessage `json:"dns"`
	Routing struct {
		DomainStrategy string        `json:"domainStrategy"`
		Rules          []RoutingRule `json:"rules"`
	} `json:"routing"`
}

// Generator builds complete data-plane documents. It performs no I/O and
// never mutates its input.
type Generator struct {
	logger logger.Interface
}

func NewGenerator(log logger.Interface) *Generator {
	return &Generator{logger: log.Named("configgen")}
}

// Generate produces the full document for the given inputs. Inbounds are
// ordered by tag so repeated runs over the same state serialize
// identically.
func (g *Generator) Generate(input Input) (*Document, error) {
	var tpl template
	if len(input.Template) > 0 {
		if err := json.Unmarshal(input.Template, &tpl); err != nil {
			return nil, fmt.Errorf("failed to parse base template: %w", err)
		}
	}

	doc := &Document{
		Log: &LogConfig{Loglevel: orDefault(input.Xray.LogLevel, "warning")},
		API: &APIConfig{
			Tag:      constants.APIOutboundTag,
			Services: apiServices(input.Xray.ExtraAPIServices),
		},
		Stats: &StatsConfig{},
		Policy: &PolicyConfig{
			Levels: map[string]PolicyLevel{
				"0": {StatsUserUplink: true, StatsUserDownlink: true},
			},
			System: PolicySystem{
				StatsInboundUplink:    true,
				StatsInboundDownlink:  true,
				StatsOutboundUplink:   true,
				StatsOutboundDownlink: true,
			},
		},
		DNS: tpl.DNS,
	}

	doc.Inbounds = append(doc.Inbounds, InboundConfig{
		Listen:   orDefault(input.Xray.APIHost, "127.0.0.1"),
		Port:     input.Xray.APIPort,
		Protocol: string(inbound.Dokodemo),
		Settings: dokodemoSettings{Address: "127.0.0.1"},
		Tag:      constants.APIInboundTag,
	})

	entries := make([]Entry, len(input.Entries))
	copy(entries, input.Entries)
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Inbound.Tag < entries[b].Inbound.Tag
	})

	var extraOutbounds []OutboundConfig
	var bindingRules []RoutingRule
	for _, entry := range entries {
		inb := entry.Inbound
		if !inb.Enabled {
			continue
		}
		if inb.Protocol.RequiresClients() && len(entry.Accounts) == 0 {
			g.logger.Debugw("skipping inbound with no effective users", "tag", inb.Tag)
			continue
		}
		emit, ok := emitters[inb.Protocol]
		if !ok {
			g.logger.Warnw("skipping inbound with unsupported protocol",
				"tag", inb.Tag, "protocol", inb.Protocol)
			continue
		}
		result, err := emit(inb, entry.Accounts)
		if err != nil {
			return nil, fmt.Errorf("failed to emit inbound %s: %w", inb.Tag, err)
		}
		if result == nil {
			g.logger.Warnw("skipping inbound with missing key material", "tag", inb.Tag)
			continue
		}
		doc.Inbounds = append(doc.Inbounds, *result.inbound)
		if result.outbound != nil {
			extraOutbounds = append(extraOutbounds, *result.outbound)
		}
		bindingRules = append(bindingRules, result.rules...)
	}

	doc.Outbounds = []OutboundConfig{
		{Protocol: "freedom", Tag: constants.DirectTag},
		{Protocol: "blackhole", Tag: constants.BlockedTag},
		{Protocol: "freedom", Tag: constants.APIOutboundTag},
	}
	warp, err := buildWARPOutbound(input.Routing)
	if err != nil {
		g.logger.Warnw("skipping warp outbound", "error", err)
	} else if warp != nil {
		doc.Outbounds = append(doc.Outbounds, *warp)
	}
	doc.Outbounds = append(doc.Outbounds, extraOutbounds...)

	// The api rule must come first so control traffic never matches a
	// profile or balancer rule.
	rules := []RoutingRule{{
		Type:        "field",
		InboundTag:  []string{constants.APIInboundTag},
		OutboundTag: constants.APIOutboundTag,
	}}
	rules = append(rules, bindingRules...)
	rules = append(rules, buildProfileRules(input.Routing)...)
	rules = append(rules, tpl.Routing.Rules...)
	rules = dedupeRules(rules)

	balancer := buildBalancer(input.Routing)
	routing := &RoutingSection{
		DomainStrategy: orDefault(tpl.Routing.DomainStrategy, "IPIfNonMatch"),
		Rules:          rules,
	}
	if balancer != nil {
		routing.Balancers = []Balancer{*balancer}
		routing.Rules = append(routing.Rules, RoutingRule{
			Type:        "field",
			Network:     "tcp,udp",
			BalancerTag: balancer.Tag,
		})
	}
	doc.Routing = routing
	doc.Observatory = buildObservatory(input.Routing, balancer)
	return doc, nil
}

func apiServices(extra []string) []string {
	services := []string{"StatsService"}
	seen := map[string]struct{}{"StatsService": {}}
	for _, s := range extra {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		services = append(services, s)
	}
	return services
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
