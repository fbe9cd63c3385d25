package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Keys that may be read and changed at runtime, in display order.
var LiveKeys = []string{
	"AUTH_KEY",
	"MAX_CONNECTIONS",
	"MAX_KEEPALIVE_CONNECTIONS",
	"KEEPALIVE_EXPIRY",
	"HOST",
	"PORT",
}

var ErrNoLiveKeys = errors.New("no valid environment variables provided")

// Settings are the runtime-adjustable values. HOST and PORT are recorded
// but only take effect on restart.
type Settings struct {
	AuthKey                 string
	Host                    string
	Port                    int
	MaxConnections          int
	MaxKeepaliveConnections int
	KeepaliveExpiry         time.Duration
}

// Env renders s under its environment variable names.
func (s Settings) Env() map[string]string {
	return map[string]string{
		"AUTH_KEY":                  s.AuthKey,
		"MAX_CONNECTIONS":           strconv.Itoa(s.MaxConnections),
		"MAX_KEEPALIVE_CONNECTIONS": strconv.Itoa(s.MaxKeepaliveConnections),
		"KEEPALIVE_EXPIRY":          strconv.FormatFloat(s.KeepaliveExpiry.Seconds(), 'f', -1, 64),
		"HOST":                      s.Host,
		"PORT":                      strconv.Itoa(s.Port),
	}
}

// Live holds the current Settings and notifies subscribers of changes.
type Live struct {
	mu   sync.RWMutex
	cur  Settings
	subs []func(old, cur Settings)
}

func NewLive(s Settings) *Live {
	return &Live{cur: s}
}

func (l *Live) Snapshot() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

func (l *Live) AuthKey() string { return l.Snapshot().AuthKey }

// Subscribe registers fn to run after every applied change.
func (l *Live) Subscribe(fn func(old, cur Settings)) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Validate keeps the live keys of values and checks them without applying.
func (l *Live) Validate(values map[string]string) (map[string]string, error) {
	filtered := make(map[string]string, len(values))
	for _, k := range LiveKeys {
		if v, ok := values[k]; ok {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoLiveKeys
	}
	if _, err := merge(l.Snapshot(), filtered); err != nil {
		return nil, err
	}
	return filtered, nil
}

// Apply validates values and swaps them in all at once. Unknown keys are
// ignored. It returns the keys whose value changed.
func (l *Live) Apply(values map[string]string) ([]string, error) {
	filtered, err := l.Validate(values)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	old := l.cur
	next, err := merge(old, filtered)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.cur = next
	subs := append([]func(old, cur Settings){}, l.subs...)
	l.mu.Unlock()

	changed := diff(old, next)
	if len(changed) > 0 {
		for _, fn := range subs {
			fn(old, next)
		}
	}
	return changed, nil
}

func merge(s Settings, values map[string]string) (Settings, error) {
	for k, v := range values {
		v = strings.TrimSpace(v)
		var err error
		switch k {
		case "AUTH_KEY":
			if v == "" {
				err = errors.New("must not be empty")
			}
			s.AuthKey = v
		case "HOST":
			if v == "" {
				err = errors.New("must not be empty")
			}
			s.Host = v
		case "PORT":
			s.Port, err = parseInt(v, 1, 65535)
		case "MAX_CONNECTIONS":
			s.MaxConnections, err = parseInt(v, 1, 1<<20)
		case "MAX_KEEPALIVE_CONNECTIONS":
			s.MaxKeepaliveConnections, err = parseInt(v, 0, 1<<20)
		case "KEEPALIVE_EXPIRY":
			s.KeepaliveExpiry, err = parseSeconds(v)
		}
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", k, err)
		}
	}
	return s, nil
}

func parseInt(v string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func diff(a, b Settings) []string {
	ea, eb := a.Env(), b.Env()
	var changed []string
	for _, k := range LiveKeys {
		if ea[k] != eb[k] {
			changed = append(changed, k)
		}
	}
	return changed
}
