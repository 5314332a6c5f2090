// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bandwidth

import (
	"context"
	"errors"
	"fmt"

	"github.com/tristanperalta/riptide/utils/log"
	"github.com/tristanperalta/riptide/utils/memsize"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket. It is used to
	// avoid integer overflow errors that would occur if we mapped each bit to a
	// token.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 8 * memsize.Mbit
	}
	return c
}

// Limiter limits egress and ingress bandwidth via token-bucket rate limiters.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
	logger  *zap.SugaredLogger
}

// Option allows setting custom parameters for Limiter.
type Option func(*Limiter)

// WithLogger configures a Limiter with a custom logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config, opts ...Option) (*Limiter, error) {
	config = config.applyDefaults()

	l := &Limiter{
		config: config,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if !config.Enable {
		return l, nil
	}

	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("invalid config: egress_bits_per_sec must be non-zero")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("invalid config: ingress_bits_per_sec must be non-zero")
	}
	if config.TokenSize > config.EgressBitsPerSec || config.TokenSize > config.IngressBitsPerSec {
		return nil, errors.New("invalid config: token_size too large for rate limits")
	}

	l.logger.Infof("Setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
	l.logger.Infof("Setting ingress bandwidth to %s/sec", memsize.BitFormat(config.IngressBitsPerSec))

	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize

	l.egress = rate.NewLimiter(rate.Limit(etps), int(etps))
	l.ingress = rate.NewLimiter(rate.Limit(itps), int(itps))

	return l, nil
}

// ReserveEgress blocks until nbytes of egress bandwidth is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	if l.egress == nil {
		return nil
	}
	if err := l.reserve(l.egress, nbytes); err != nil {
		return fmt.Errorf("egress: %s", err)
	}
	return nil
}

// ReserveIngress blocks until nbytes of ingress bandwidth is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	if l.ingress == nil {
		return nil
	}
	if err := l.reserve(l.ingress, nbytes); err != nil {
		return fmt.Errorf("ingress: %s", err)
	}
	return nil
}

// Adjust divides the configured rates by denom, flooring each at one token
// per second. Used to split session bandwidth across active connections.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("invalid denominator %d", denom)
	}
	if l.egress == nil || l.ingress == nil {
		return nil
	}
	etps := l.config.EgressBitsPerSec / l.config.TokenSize / uint64(denom)
	if etps == 0 {
		etps = 1
	}
	itps := l.config.IngressBitsPerSec / l.config.TokenSize / uint64(denom)
	if itps == 0 {
		itps = 1
	}
	l.egress.SetLimit(rate.Limit(etps))
	l.ingress.SetLimit(rate.Limit(itps))
	return nil
}

// EgressLimit returns the current egress rate in tokens per second.
func (l *Limiter) EgressLimit() int64 {
	if l.egress == nil {
		return 0
	}
	return int64(l.egress.Limit())
}

// IngressLimit returns the current ingress rate in tokens per second.
func (l *Limiter) IngressLimit() int64 {
	if l.ingress == nil {
		return 0
	}
	return int64(l.ingress.Limit())
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	if tokens > rl.Burst() {
		return fmt.Errorf("%d tokens exceeds bucket of %d", tokens, rl.Burst())
	}
	if err := rl.WaitN(context.Background(), tokens); err != nil {
		return fmt.Errorf("wait n: %s", err)
	}
	return nil
}
