// Package registry keeps the bot and dApp registrations that gate trade
// execution and dApp interaction.
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrLabelRequired indicates an empty classification label.
	ErrLabelRequired = errors.New("registry: label required")
	// ErrLabelTooLong indicates a label over MaxLabelLength runes.
	ErrLabelTooLong = errors.New("registry: label too long")
	// ErrMetadataTooLong indicates a metadata URI over MaxMetadataLength bytes.
	ErrMetadataTooLong = errors.New("registry: metadata uri too long")
)

const (
	MaxLabelLength    = 64
	MaxMetadataLength = 2048
)

// Bot is a registered trading bot.
type Bot struct {
	Identity     string
	Label        string
	RegisteredAt time.Time
}

// DApp is a self-registered integrating application.
type DApp struct {
	Identity     string
	Label        string
	MetadataURI  string
	RegisteredAt time.Time
}

var folder = cases.Fold()

// NormalizeLabel returns the canonical form of a classification label: NFC
// normalised, trimmed, case folded.
func NormalizeLabel(raw string) (string, error) {
	label := strings.TrimSpace(norm.NFC.String(raw))
	if label == "" {
		return "", ErrLabelRequired
	}
	label = folder.String(label)
	if len([]rune(label)) > MaxLabelLength {
		return "", ErrLabelTooLong
	}
	return label, nil
}

// NormalizeMetadata validates a dApp metadata URI.
func NormalizeMetadata(raw string) (string, error) {
	uri := strings.TrimSpace(norm.NFC.String(raw))
	if len(uri) > MaxMetadataLength {
		return "", ErrMetadataTooLong
	}
	return uri, nil
}

// Registry stores bots and dApps.
type Registry struct {
	mu    sync.RWMutex
	bots  map[string]Bot
	dapps map[string]DApp
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{bots: make(map[string]Bot), dapps: make(map[string]DApp)}
}

// Bot returns the registration for identity.
func (r *Registry) Bot(identity string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[identity]
	return b, ok
}

// DApp returns the registration for identity.
func (r *Registry) DApp(identity string) (DApp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dapps[identity]
	return d, ok
}

// PutBot inserts or replaces a bot.
func (r *Registry) PutBot(b Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[b.Identity] = b
}

// RemoveBot deletes a bot, reporting whether it existed.
func (r *Registry) RemoveBot(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bots[identity]
	delete(r.bots, identity)
	return ok
}

// PutDApp inserts or replaces a dApp.
func (r *Registry) PutDApp(d DApp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dapps[d.Identity] = d
}

// RemoveDApp deletes a dApp, reporting whether it existed.
func (r *Registry) RemoveDApp(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dapps[identity]
	delete(r.dapps, identity)
	return ok
}

// Bots lists all bots.
func (r *Registry) Bots() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	return out
}

// DApps lists all dApps.
func (r *Registry) DApps() []DApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DApp, 0, len(r.dapps))
	for _, d := range r.dapps {
		out = append(out, d)
	}
	return out
}

// Restore replaces the whole state.
func (r *Registry) Restore(bots []Bot, dapps []DApp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots = make(map[string]Bot, len(bots))
	r.dapps = make(map[string]DApp, len(dapps))
	for _, b := range bots {
		r.bots[b.Identity] = b
	}
	for _, d := range dapps {
		r.dapps[d.Identity] = d
	}
}
