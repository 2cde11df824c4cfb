// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package topology

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v2"

	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/storage"
)

// DefaultPort is the first Matter port handed out when neither the operator
// nor the store provides one.
const DefaultPort uint16 = 5540

// Persisted seed keys inside the supervisor's own storage context.
const (
	KeyPort          = "matterport"
	KeyPasscode      = "matterpasscode"
	KeyDiscriminator = "matterdiscriminator"
)

// ErrSeedsExhausted is returned when an identity space has no unused values
// left. With 64k ports and 4096 discriminators this only fires on a runaway
// caller.
var ErrSeedsExhausted = errors.New("topology: identity seed space exhausted")

// Allocation is one server node identity drawn from the seeds.
type Allocation struct {
	Port          uint16
	Passcode      uint32
	Discriminator uint16
}

// SeedsConfig configures the identity allocator. Explicit values win over
// the persisted ones; both win over random generation.
type SeedsConfig struct {
	Logger hclog.Logger

	// Store is the context the next seed values are persisted into.
	// Optional; without it seeds are process local.
	Store *storage.Context

	// Port, Passcode and Discriminator optionally pin the initial seeds.
	// Nil falls through to the store, then to defaults (port) or random
	// generation (passcode, discriminator).
	Port          *uint16
	Passcode      *uint32
	Discriminator *uint16
}

// Seeds hands out port/passcode/discriminator triples. Every allocation
// consumes the current seeds and post-increments each; a value handed out
// once is never handed out again within the process lifetime.
type Seeds struct {
	logger hclog.Logger
	store  *storage.Context

	mu            sync.Mutex
	port          uint16
	passcode      uint32
	discriminator uint16

	usedPorts          *set.Set[uint16]
	usedPasscodes      *set.Set[uint32]
	usedDiscriminators *set.Set[uint16]
}

// NewSeeds resolves the initial seed values and returns the allocator.
func NewSeeds(c *SeedsConfig) (*Seeds, error) {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Seeds{
		logger:             logger.Named("seeds"),
		store:              c.Store,
		usedPorts:          set.New[uint16](8),
		usedPasscodes:      set.New[uint32](8),
		usedDiscriminators: set.New[uint16](8),
	}

	if err := s.resolvePort(c.Port); err != nil {
		return nil, err
	}
	if err := s.resolvePasscode(c.Passcode); err != nil {
		return nil, err
	}
	if err := s.resolveDiscriminator(c.Discriminator); err != nil {
		return nil, err
	}

	s.logger.Debug("identity seeds resolved",
		"port", s.port, "discriminator", s.discriminator)
	return s, nil
}

func (s *Seeds) resolvePort(explicit *uint16) error {
	if explicit != nil && *explicit != 0 {
		s.port = *explicit
		return nil
	}
	if s.store != nil {
		port, err := storage.GetDefault(s.store, KeyPort, uint16(0))
		if err != nil {
			return fmt.Errorf("topology: reading port seed: %w", err)
		}
		if port != 0 {
			s.port = port
			return nil
		}
	}
	s.port = DefaultPort
	return nil
}

func (s *Seeds) resolvePasscode(explicit *uint32) error {
	if explicit != nil && *explicit != 0 {
		if !matter.ValidPasscode(*explicit) {
			return fmt.Errorf("topology: passcode %d is not commissionable", *explicit)
		}
		s.passcode = *explicit
		return nil
	}
	if s.store != nil {
		passcode, err := storage.GetDefault(s.store, KeyPasscode, uint32(0))
		if err != nil {
			return fmt.Errorf("topology: reading passcode seed: %w", err)
		}
		if passcode != 0 {
			s.passcode = passcode
			return nil
		}
	}
	passcode, err := matter.GeneratePasscode()
	if err != nil {
		return err
	}
	s.passcode = passcode
	return nil
}

func (s *Seeds) resolveDiscriminator(explicit *uint16) error {
	if explicit != nil {
		if !matter.ValidDiscriminator(*explicit) {
			return fmt.Errorf("topology: discriminator %d exceeds 12 bits", *explicit)
		}
		s.discriminator = *explicit
		return nil
	}
	if s.store != nil {
		has, err := s.store.Has(KeyDiscriminator)
		if err != nil {
			return fmt.Errorf("topology: reading discriminator seed: %w", err)
		}
		if has {
			d, err := storage.Get[uint16](s.store, KeyDiscriminator)
			if err != nil {
				return fmt.Errorf("topology: reading discriminator seed: %w", err)
			}
			if matter.ValidDiscriminator(d) {
				s.discriminator = d
				return nil
			}
			s.logger.Warn("persisted discriminator seed out of range, regenerating", "discriminator", d)
		}
	}
	discriminator, err := matter.GenerateDiscriminator()
	if err != nil {
		return err
	}
	s.discriminator = discriminator
	return nil
}

// Allocate consumes the current seeds. The next values are persisted so a
// restarted supervisor keeps moving forward instead of colliding with the
// identities of its previous life.
func (s *Seeds) Allocate() (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	port, err := s.takePort()
	if err != nil {
		return Allocation{}, err
	}
	passcode, err := s.takePasscode()
	if err != nil {
		return Allocation{}, err
	}
	discriminator, err := s.takeDiscriminator()
	if err != nil {
		return Allocation{}, err
	}

	if s.store != nil {
		if err := storage.Set(s.store, KeyPort, s.port); err != nil {
			return Allocation{}, err
		}
		if err := storage.Set(s.store, KeyPasscode, s.passcode); err != nil {
			return Allocation{}, err
		}
		if err := storage.Set(s.store, KeyDiscriminator, s.discriminator); err != nil {
			return Allocation{}, err
		}
	}

	return Allocation{Port: port, Passcode: passcode, Discriminator: discriminator}, nil
}

func (s *Seeds) takePort() (uint16, error) {
	for i := 0; i < 65536; i++ {
		candidate := s.port
		s.port++
		if candidate == 0 || s.usedPorts.Contains(candidate) {
			continue
		}
		s.usedPorts.Insert(candidate)
		return candidate, nil
	}
	return 0, fmt.Errorf("%w: ports", ErrSeedsExhausted)
}

func (s *Seeds) takePasscode() (uint32, error) {
	for i := 0; i < 99999999; i++ {
		candidate := s.passcode
		s.passcode++
		if s.passcode > 99999998 {
			s.passcode = 1
		}
		if !matter.ValidPasscode(candidate) || s.usedPasscodes.Contains(candidate) {
			continue
		}
		s.usedPasscodes.Insert(candidate)
		return candidate, nil
	}
	return 0, fmt.Errorf("%w: passcodes", ErrSeedsExhausted)
}

func (s *Seeds) takeDiscriminator() (uint16, error) {
	for i := 0; i < 4096; i++ {
		candidate := s.discriminator
		s.discriminator = (s.discriminator + 1) & 0xFFF
		if s.usedDiscriminators.Contains(candidate) {
			continue
		}
		s.usedDiscriminators.Insert(candidate)
		return candidate, nil
	}
	return 0, fmt.Errorf("%w: discriminators", ErrSeedsExhausted)
}
