// Package identity supplies per-session device identities and client signatures.
package identity

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserIDRequired   = errors.New("identity: user_id required")
	ErrDeviceIDRequired = errors.New("identity: device_id required")
)

// SessionIdentity is immutable for the lifetime of one session.
type SessionIdentity struct {
	DeviceID        uuid.UUID
	UserID          string
	ClientSignature string
}

func (i SessionIdentity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return ErrUserIDRequired
	}
	if i.DeviceID == uuid.Nil {
		return ErrDeviceIDRequired
	}
	return nil
}

// Provider mints identities for new sessions.
type Provider interface {
	// NewIdentity returns an identity for userID. A zero deviceID asks for a fresh one.
	NewIdentity(userID string, deviceID uuid.UUID) (SessionIdentity, error)
}

// SignatureSource returns one outbound client signature (User-Agent) per call.
type SignatureSource interface {
	Signature() string
}

// DefaultProvider pairs random device ids with generated client signatures.
type DefaultProvider struct {
	Signatures SignatureSource
}

var _ Provider = (*DefaultProvider)(nil)

func NewDefaultProvider() *DefaultProvider {
	return &DefaultProvider{Signatures: NewSignatureGenerator(time.Now().UnixNano())}
}

func (p *DefaultProvider) NewIdentity(userID string, deviceID uuid.UUID) (SessionIdentity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SessionIdentity{}, ErrUserIDRequired
	}
	if deviceID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return SessionIdentity{}, fmt.Errorf("identity: device id: %w", err)
		}
		deviceID = id
	}
	sig := ""
	if p.Signatures != nil {
		sig = p.Signatures.Signature()
	}
	return SessionIdentity{
		DeviceID:        deviceID,
		UserID:          userID,
		ClientSignature: sig,
	}, nil
}

// SignatureGenerator produces Chrome-style desktop User-Agent strings.
type SignatureGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ SignatureSource = (*SignatureGenerator)(nil)

func NewSignatureGenerator(seed int64) *SignatureGenerator {
	return &SignatureGenerator{rng: rand.New(rand.NewSource(seed))}
}

var platforms = []string{
	"Windows NT 10.0; Win64; x64",
	"Windows NT 6.1; Win64; x64",
	"Macintosh; Intel Mac OS X 10_15_7",
	"Macintosh; Intel Mac OS X 10_14_6",
	"X11; Linux x86_64",
	"X11; Ubuntu; Linux x86_64",
}

const (
	minChromeMajor = 110
	maxChromeMajor = 131
)

func (g *SignatureGenerator) Signature() string {
	g.mu.Lock()
	platform := platforms[g.rng.Intn(len(platforms))]
	major := minChromeMajor + g.rng.Intn(maxChromeMajor-minChromeMajor+1)
	build := g.rng.Intn(7000)
	patch := g.rng.Intn(250)
	g.mu.Unlock()
	return fmt.Sprintf(
		"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.%d.%d Safari/537.36",
		platform, major, build, patch,
	)
}
