// Package security issues and verifies the opaque tokens a node hands out
// in FIND_NODE responses and expects back in STORE requests.
package security

import (
	"bytes"
	"crypto/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// TokenSize is the length of tokens issued by KeyedTokenProvider.
const TokenSize = 8

// Token is opaque to everyone but its issuer.
type Token []byte

func (t Token) IsEmpty() bool { return len(t) == 0 }

// TokenProvider is the collaborator that binds tokens to requester addresses.
type TokenProvider interface {
	Issue(addr netip.AddrPort) Token
	Verify(tok Token, addr netip.AddrPort) bool
}

// KeyedTokenProvider MACs the requester's IP under a secret that rotates
// every interval. Tokens from the previous secret stay valid, so a token
// lives between one and two intervals.
type KeyedTokenProvider struct {
	mu       sync.Mutex
	interval time.Duration
	current  []byte
	previous []byte
	rotated  time.Time
	now      func() time.Time
}

func NewKeyedTokenProvider(interval time.Duration) *KeyedTokenProvider {
	p := &KeyedTokenProvider{
		interval: interval,
		now:      time.Now,
	}
	p.current = newSecret()
	p.previous = p.current
	p.rotated = p.now()
	return p
}

func newSecret() []byte {
	s := make([]byte, 32)
	if _, err := rand.Read(s); err != nil {
		panic(err)
	}
	return s
}

func (p *KeyedTokenProvider) secrets() (current, previous []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.interval > 0 {
		for now := p.now(); now.Sub(p.rotated) >= p.interval; {
			p.previous = p.current
			p.current = newSecret()
			p.rotated = p.rotated.Add(p.interval)
			// a long idle period invalidates everything at once
			if now.Sub(p.rotated) >= p.interval {
				p.previous = p.current
				p.rotated = now
			}
		}
	}
	return p.current, p.previous
}

func mac(secret []byte, addr netip.AddrPort) Token {
	ip := addr.Addr().Unmap().AsSlice()
	out, err := utils.KeyedDigest(secret, TokenSize, ip)
	if err != nil {
		panic(err)
	}
	return out
}

func (p *KeyedTokenProvider) Issue(addr netip.AddrPort) Token {
	current, _ := p.secrets()
	return mac(current, addr)
}

func (p *KeyedTokenProvider) Verify(tok Token, addr netip.AddrPort) bool {
	if len(tok) != TokenSize {
		return false
	}
	current, previous := p.secrets()
	if bytes.Equal(tok, mac(current, addr)) {
		return true
	}
	return bytes.Equal(tok, mac(previous, addr))
}
