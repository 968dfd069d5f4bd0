package config

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
)

// Key identifies one tuned problem.
type Key struct {
	Family  dtype.Family
	M, N, K int
}

// Tuned is a cached tuning result.
type Tuned struct {
	Cfg   Config
	Score float64
}

// Autotuner measures every candidate configuration of a family for a shape
// and remembers the fastest. It is opt-in; Select stays the default.
type Autotuner struct {
	mu    sync.RWMutex
	cache map[Key]Tuned
}

func NewAutotuner() *Autotuner {
	return &Autotuner{
		cache: make(map[Key]Tuned),
	}
}

// Lookup returns a cached result.
func (t *Autotuner) Lookup(key Key) (Tuned, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tuned, ok := t.cache[key]
	return tuned, ok
}

// GetConfig returns the best configuration for key. run scores one
// configuration; higher is better. The table choice is scored first and wins
// ties. Candidates whose run fails are skipped; an error is returned only if
// the table choice itself fails.
func (t *Autotuner) GetConfig(key Key, run func(cfg Config) (float64, error)) (Config, error) {
	if tuned, ok := t.Lookup(key); ok {
		return tuned.Cfg, nil
	}

	base, err := Select(key.Family, key.M, key.N)
	if err != nil {
		return Config{}, err
	}
	bestCfg := base
	bestScore, err := run(base)
	if err != nil {
		return Config{}, errors.Wrapf(err, "autotune %s", base.Name)
	}

	for _, cfg := range Candidates(key.Family) {
		if cfg.Name == base.Name {
			continue
		}
		score, err := run(cfg)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestCfg = cfg
			bestScore = score
		}
	}

	t.mu.Lock()
	t.cache[key] = Tuned{
		Cfg:   bestCfg,
		Score: bestScore,
	}
	t.mu.Unlock()

	return bestCfg, nil
}
