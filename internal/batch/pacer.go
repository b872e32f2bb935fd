package batch

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const defaultBaseDelay = 1 * time.Second

// PacingConfig describes the mandatory delay enforced between remote calls.
type PacingConfig struct {
	BaseDelay       time.Duration
	Jitter          time.Duration
	BurstSize       int
	BurstRest       time.Duration
	BurstRestJitter time.Duration
	RandomGenerator *rand.Rand
}

// Pacer spaces remote calls to stay under the service's abuse thresholds.
// The zero-value configuration yields the default one-second base delay.
type Pacer struct {
	baseDelay       time.Duration
	jitter          time.Duration
	burstSize       int
	burstRest       time.Duration
	burstRestJitter time.Duration

	randomGenerator *rand.Rand
	mutex           sync.Mutex
	processed       int
}

// NewPacer constructs a Pacer from configuration values.
func NewPacer(configuration PacingConfig) *Pacer {
	baseDelay := configuration.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	burstRest := configuration.BurstRest
	if burstRest < 0 {
		burstRest = 0
	}
	randomGenerator := configuration.RandomGenerator
	if randomGenerator == nil {
		randomGenerator = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Pacer{
		baseDelay:       baseDelay,
		jitter:          configuration.Jitter,
		burstSize:       configuration.BurstSize,
		burstRest:       burstRest,
		burstRestJitter: configuration.BurstRestJitter,
		randomGenerator: randomGenerator,
	}
}

// Wait suspends until the next call may proceed. The suspension is a
// cooperative point: cancellation interrupts the wait and is returned.
func (pacer *Pacer) Wait(ctx context.Context) error {
	delayDuration, restDuration := pacer.nextWaits()
	if err := waitForDuration(ctx, delayDuration); err != nil {
		return err
	}
	return waitForDuration(ctx, restDuration)
}

func (pacer *Pacer) nextWaits() (time.Duration, time.Duration) {
	pacer.mutex.Lock()
	defer pacer.mutex.Unlock()

	pacer.processed++

	delayDuration := pacer.sampleDuration(pacer.baseDelay, pacer.jitter)
	var restDuration time.Duration
	if pacer.burstSize > 0 && pacer.processed%pacer.burstSize == 0 {
		restDuration = pacer.sampleDuration(pacer.burstRest, pacer.burstRestJitter)
	}
	return delayDuration, restDuration
}

func (pacer *Pacer) sampleDuration(baseDuration time.Duration, jitter time.Duration) time.Duration {
	if baseDuration < 0 {
		baseDuration = 0
	}
	if jitter <= 0 {
		return baseDuration
	}

	offset := (pacer.randomGenerator.Float64()*2 - 1) * float64(jitter)
	sampled := time.Duration(float64(baseDuration) + offset)
	if sampled < 0 {
		return 0
	}
	return sampled
}

func waitForDuration(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
