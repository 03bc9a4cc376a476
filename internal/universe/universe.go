package universe

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// KOSPIBlueChips is the fallback universe when no provider answers.
var KOSPIBlueChips = []string{
	"005930", // Samsung Electronics
	"000660", // SK Hynix
	"373220", // LG Energy Solution
	"207940", // Samsung Biologics
	"005380", // Hyundai Motor
	"006400", // Samsung SDI
	"051910", // LG Chem
	"035420", // NAVER
	"000270", // Kia
	"105560", // KB Financial
	"055550", // Shinhan Financial
	"035720", // Kakao
	"003670", // POSCO Holdings
	"068270", // Celltrion
	"028260", // Samsung C&T
	"012330", // Hyundai Mobis
	"066570", // LG Electronics
	"003550", // LG
	"096770", // SK Innovation
	"034730", // SK
}

// Provider supplies the tradable symbols, most relevant first.
type Provider interface {
	Symbols(ctx context.Context) ([]string, error)
}

// Static is a fixed symbol list.
type Static []string

func (s Static) Symbols(context.Context) ([]string, error) {
	return slices.Clone(s), nil
}

// Subscriber applies subscription changes to the market data source.
type Subscriber interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
}

type Config struct {
	Size          int           `json:"size"`
	CacheDuration time.Duration `json:"cacheDuration"`
	Clock         func() time.Time
}

func DefaultConfig() Config {
	return Config{Size: 20, CacheDuration: time.Hour}
}

// Service caches the universe and keeps market data subscriptions in step with it.
type Service struct {
	cfg        Config
	provider   Provider
	subscriber Subscriber

	mu        sync.Mutex
	cache     []string
	refreshed time.Time
}

func NewService(provider Provider, subscriber Subscriber, cfg Config) *Service {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = DefaultConfig().CacheDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{cfg: cfg, provider: provider, subscriber: subscriber}
}

// Symbols returns the cached universe.
func (s *Service) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cache)
}

// Refresh reloads the universe when the cache expired (or force is set) and
// subscribes/unsubscribes the difference. A failing provider keeps the
// previous universe, falling back to KOSPIBlueChips when there is none.
func (s *Service) Refresh(ctx context.Context, force bool) (added, removed []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock()
	if !force && len(s.cache) != 0 && now.Sub(s.refreshed) < s.cfg.CacheDuration {
		return nil, nil, nil
	}

	next, err := s.provider.Symbols(ctx)
	switch {
	case err != nil && len(s.cache) != 0:
		logs.Warnf("universe: refresh failed, keeping %d cached symbols, err: %+v", len(s.cache), err)
		return nil, nil, nil
	case err != nil || len(next) == 0:
		logs.Warnf("universe: provider returned nothing, using default blue chips, err: %v", err)
		next = KOSPIBlueChips
	}
	next = normalize(next, s.cfg.Size)

	added, removed = Diff(s.cache, next)
	if len(removed) != 0 {
		if err := s.subscriber.Unsubscribe(ctx, removed); err != nil {
			return nil, nil, err
		}
	}
	if len(added) != 0 {
		if err := s.subscriber.Subscribe(ctx, added); err != nil {
			return nil, removed, err
		}
	}

	s.cache = next
	s.refreshed = now
	if len(added)+len(removed) != 0 {
		logs.Infof("universe: %d symbols, added %v, removed %v", len(next), added, removed)
	}
	return added, removed, nil
}

// Run refreshes on every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := s.Refresh(ctx, false); err != nil {
				logs.Errorf("universe: refresh, err: %+v", err)
			}
		}
	}
}

func normalize(symbols []string, size int) []string {
	out := make([]string, 0, min(len(symbols), size))
	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
		if len(out) == size {
			break
		}
	}
	return out
}

// Diff lists the symbols only in next (added) and only in prev (removed), sorted.
func Diff(prev, next []string) (added, removed []string) {
	in := func(list []string, s string) bool { return slices.Contains(list, s) }
	for _, s := range next {
		if !in(prev, s) {
			added = append(added, s)
		}
	}
	for _, s := range prev {
		if !in(next, s) {
			removed = append(removed, s)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}
