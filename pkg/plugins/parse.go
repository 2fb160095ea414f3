// ABOUTME: Chain-spec parser for the -f CLI option
// ABOUTME: Turns "i:gain(-3),limiter;o:limiter(2)" into plugin chains
package plugins

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jamlink-audio/jamlink-go/pkg/audio"
)

// ParseChains parses a chain spec into the capture-side (i:) and
// playback-side (o:) plugin lists for a session of channels channels.
func ParseChains(spec string, channels int) (toNet, fromNet []audio.ProcessPlugin, err error) {
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		side, list, found := strings.Cut(part, ":")
		if !found {
			return nil, nil, fmt.Errorf("plugins: %q lacks an i: or o: prefix", part)
		}
		chain, err := parseList(list, channels)
		if err != nil {
			return nil, nil, err
		}
		switch strings.TrimSpace(strings.ToLower(side)) {
		case "i":
			toNet = append(toNet, chain...)
		case "o":
			fromNet = append(fromNet, chain...)
		default:
			return nil, nil, fmt.Errorf("plugins: unknown chain side %q", side)
		}
	}
	return toNet, fromNet, nil
}

func parseList(list string, channels int) ([]audio.ProcessPlugin, error) {
	var chain []audio.ProcessPlugin
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, arg := item, ""
		if i := strings.IndexByte(item, '('); i >= 0 {
			if !strings.HasSuffix(item, ")") {
				return nil, fmt.Errorf("plugins: unbalanced parens in %q", item)
			}
			name, arg = item[:i], item[i+1:len(item)-1]
		}

		p, err := build(strings.ToLower(name), arg, channels)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	return chain, nil
}

func build(name, arg string, channels int) (audio.ProcessPlugin, error) {
	switch name {
	case "gain":
		db := 0.0
		if arg != "" {
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("plugins: gain wants decibels, got %q", arg)
			}
			db = v
		}
		return NewGain(channels, db), nil
	case "limiter":
		clients := 1
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("plugins: limiter wants a client count, got %q", arg)
			}
			clients = v
		}
		return NewLimiter(channels, clients), nil
	default:
		return nil, fmt.Errorf("plugins: unknown plugin %q", name)
	}
}
