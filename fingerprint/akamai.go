package fingerprint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sardanioss/net/http2"
)

var pseudoCodes = map[string]string{
	"m": ":method",
	"a": ":authority",
	"s": ":scheme",
	"p": ":path",
}

// ParseAkamai parses an Akamai HTTP/2 fingerprint string into an HTTP/2
// template.
//
// Format: SETTINGS|WINDOW_UPDATE|PRIORITY|PSEUDO_HEADER_ORDER
//
// SETTINGS: semicolon-separated "id:value" pairs, kept in order
// WINDOW_UPDATE: connection-level window update increment
// PRIORITY: stream weight, or "0" for none
// PSEUDO_HEADER_ORDER: comma-separated m, a, s, p
//
// Example (Chrome): "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p"
func ParseAkamai(akamai string) (H2Template, error) {
	parts := strings.Split(akamai, "|")
	if len(parts) != 4 {
		return H2Template{}, fmt.Errorf("akamai: expected 4 pipe-separated fields, got %d", len(parts))
	}

	var h H2Template

	if parts[0] != "" {
		for _, pair := range strings.Split(parts[0], ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				return H2Template{}, fmt.Errorf("akamai: invalid settings pair %q", pair)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 16)
			if err != nil {
				return H2Template{}, fmt.Errorf("akamai: invalid settings id %q: %w", kv[0], err)
			}
			val, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
			if err != nil {
				return H2Template{}, fmt.Errorf("akamai: invalid settings value %q: %w", kv[1], err)
			}
			h.Settings = append(h.Settings, http2.Setting{ID: http2.SettingID(id), Val: uint32(val)})
		}
	}

	if parts[1] != "" {
		windowUpdate, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
		if err != nil {
			return H2Template{}, fmt.Errorf("akamai: invalid window update %q: %w", parts[1], err)
		}
		h.WindowUpdate = uint32(windowUpdate)
	}

	if p := strings.TrimSpace(parts[2]); p != "" {
		if strings.Contains(p, ":") {
			return H2Template{}, fmt.Errorf("akamai: PRIORITY frame lists are not supported: %q", p)
		}
		weight, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return H2Template{}, fmt.Errorf("akamai: invalid priority weight %q: %w", parts[2], err)
		}
		if weight > 256 {
			return H2Template{}, fmt.Errorf("akamai: priority weight %d out of range", weight)
		}
		if weight > 0 {
			h.Priority = Priority{Mode: PriorityFrame, Weight: uint16(weight)}
		}
	}

	if parts[3] != "" {
		for _, ch := range strings.Split(strings.TrimSpace(parts[3]), ",") {
			name, ok := pseudoCodes[strings.TrimSpace(ch)]
			if !ok {
				return H2Template{}, fmt.Errorf("akamai: unknown pseudo-header identifier %q", ch)
			}
			h.PseudoOrder = append(h.PseudoOrder, name)
		}
	}

	if err := validateH2(h); err != nil {
		return H2Template{}, fmt.Errorf("akamai: %w", err)
	}
	return h, nil
}

// Akamai renders the profile's HTTP/2 behavior in Akamai form.
func (p *Profile) Akamai() string {
	h := p.spec.H2

	settings := make([]string, len(h.Settings))
	for i, s := range h.Settings {
		settings[i] = fmt.Sprintf("%d:%d", s.ID, s.Val)
	}

	priority := "0"
	if h.Priority.Mode == PriorityFrame {
		priority = strconv.Itoa(int(h.Priority.Weight))
	}

	order := h.PseudoOrder
	if len(order) == 0 {
		order = pseudoHeaders
	}
	codes := make([]string, len(order))
	for i, name := range order {
		codes[i] = name[1:2]
	}

	return strings.Join([]string{
		strings.Join(settings, ";"),
		strconv.FormatUint(uint64(h.WindowUpdate), 10),
		priority,
		strings.Join(codes, ","),
	}, "|")
}
