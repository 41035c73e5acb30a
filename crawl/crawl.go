// Package crawl drives a provider through one poll cycle's worth of result
// pages: pagination strategy, adaptive inter-request pacing, end-of-results
// detection, and conversion of throttle signals into cooldowns. It also
// contains the baseline builder that seeds a fresh subscription's seen-set.
package crawl

import (
	"context"
	"log/slog"
	"time"

	"article-hunter/pkg/hunter"
	"article-hunter/provider"
)

// Config holds the crawl tuning knobs. The numeric defaults are deliberate
// configuration, not contract; only the mechanisms (bounded page ceiling,
// bounded grace window, cooldowns by severity) are firm.
type Config struct {
	MaxPagesPerCycle    int           // hard per-cycle page ceiling
	PrimaryPages        int           // rotating mode: pages always rescanned
	Window              int           // rotating mode: cursor window size
	BaseDelay           time.Duration // pacing between page requests
	BurstDelay          time.Duration // pacing when the result set is very large
	BurstThreshold      int           // total-count above which burst pacing applies
	EmptyPageStop       int           // rotating mode: consecutive no-candidate pages before stopping
	ErrorBudget         int           // pages allowed to fail before the cycle aborts
	CooldownRateLimited time.Duration
	CooldownBlocked     time.Duration
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		MaxPagesPerCycle:    200,
		PrimaryPages:        1,
		Window:              5,
		BaseDelay:           400 * time.Millisecond,
		BurstDelay:          150 * time.Millisecond,
		BurstThreshold:      1000,
		EmptyPageStop:       3,
		ErrorBudget:         3,
		CooldownRateLimited: 5 * time.Minute,
		CooldownBlocked:     45 * time.Minute,
	}
}

// Throttle describes a provider throttle signal observed during the crawl
// and the cooldown it maps to.
type Throttle struct {
	Kind     hunter.ErrKind
	Cooldown time.Duration
}

// Result summarizes one crawl cycle over one provider.
type Result struct {
	PagesScanned int
	ItemsFound   int
	TotalCount   int // best total-results estimate seen this cycle
	EndReached   bool
	PageErrors   int
	Throttle     *Throttle // non-nil when the cycle was cut short by a throttle signal
}

// PageVisitor receives each crawled page in order and reports how many of
// its listings were unseen candidates; the rotating strategy uses that
// count for its early-stop rule.
type PageVisitor func(pageIndex int, page *provider.PageResult) (unseen int)

// Crawler runs pagination strategies over a provider.
type Crawler struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Crawler.
func New(cfg Config, logger *slog.Logger) *Crawler {
	return &Crawler{cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Run crawls pages for keyword according to the state's poll mode. Page
// fetches are sequential: whether page N+1 exists is only known after
// page N. ParseFailure pages count as empty and the crawl continues;
// Network failures consume the error budget; throttle signals end the
// cycle with a cooldown attached.
func (c *Crawler) Run(ctx context.Context, prov provider.Provider, keyword string, state *hunter.ProviderState, visit PageVisitor) (*Result, error) {
	if state.PollMode == hunter.PollModeRotate {
		return c.runRotating(ctx, prov, keyword, state, visit)
	}
	return c.runExhaustive(ctx, prov, keyword, visit)
}

// runExhaustive requests pages sequentially from 1 until the provider
// reports no more pages or the ceiling is hit. It never stops early on
// empty pages: result ordering on militaria321.com follows auction end
// time, so a new item can land on any page.
func (c *Crawler) runExhaustive(ctx context.Context, prov provider.Provider, keyword string, visit PageVisitor) (*Result, error) {
	res := &Result{}
	for page := 1; page <= c.cfg.MaxPagesPerCycle; page++ {
		pr, done, err := c.fetchPage(ctx, prov, keyword, page, res)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
		if pr != nil {
			visit(page, pr)
			if !pr.HasMore {
				res.EndReached = true
				return res, nil
			}
		}
		if err := c.pause(ctx, res.TotalCount); err != nil {
			return nil, err
		}
	}
	c.logger.Warn("Page ceiling hit before end of results",
		"provider", prov.Name(), "q", keyword, "ceiling", c.cfg.MaxPagesPerCycle)
	return res, nil
}

// runRotating rescans the primary pages plus a cursor window, wrapping the
// cursor modulo the last known page-count estimate. After EmptyPageStop
// consecutive pages without unseen candidates the cycle stops. The cursor
// advance is written back into state by the caller.
func (c *Crawler) runRotating(ctx context.Context, prov provider.Provider, keyword string, state *hunter.ProviderState, visit PageVisitor) (*Result, error) {
	res := &Result{}
	emptyStreak := 0

	for _, page := range c.rotationPages(state) {
		pr, done, err := c.fetchPage(ctx, prov, keyword, page, res)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
		if pr != nil {
			unseen := visit(page, pr)
			if !pr.HasMore {
				res.EndReached = true
				break
			}
			if unseen == 0 {
				emptyStreak++
				if emptyStreak >= c.cfg.EmptyPageStop {
					c.logger.Info("Early stop after empty pages",
						"provider", prov.Name(), "q", keyword, "streak", emptyStreak)
					break
				}
			} else {
				emptyStreak = 0
			}
		}
		if err := c.pause(ctx, res.TotalCount); err != nil {
			return nil, err
		}
	}

	// Advance the cursor for the next cycle.
	estimate := state.TotalPagesEstimate
	next := state.CursorPage + c.cfg.Window
	if estimate > 0 && next > estimate {
		next = 1
	}
	state.CursorPage = next

	return res, nil
}

// fetchPage fetches one page and folds the outcome into res. The bool
// result is true when the cycle should end (throttle or error budget).
func (c *Crawler) fetchPage(ctx context.Context, prov provider.Provider, keyword string, page int, res *Result) (*provider.PageResult, bool, error) {
	pr, err := prov.CrawlPage(ctx, keyword, page)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		kind := hunter.KindOf(err)
		switch kind {
		case hunter.ErrRateLimited, hunter.ErrBlocked:
			res.Throttle = &Throttle{Kind: kind, Cooldown: c.cooldownFor(kind)}
			c.logger.Warn("Throttle signal, ending cycle",
				"provider", prov.Name(), "q", keyword, "page", page, "kind", kind.String())
			return nil, true, nil
		case hunter.ErrParse:
			// Structure drift on a single page; treat as zero items.
			c.logger.Warn("Page parse failure, continuing",
				"provider", prov.Name(), "q", keyword, "page", page, "error", err)
			res.PagesScanned++
			return &provider.PageResult{HasMore: true}, false, nil
		default:
			res.PageErrors++
			c.logger.Warn("Page fetch failed",
				"provider", prov.Name(), "q", keyword, "page", page,
				"errors", res.PageErrors, "budget", c.cfg.ErrorBudget, "error", err)
			if res.PageErrors >= c.cfg.ErrorBudget {
				return nil, true, nil
			}
			return &provider.PageResult{HasMore: true}, false, nil
		}
	}

	res.PagesScanned++
	res.ItemsFound += len(pr.Listings)
	if pr.TotalCount > res.TotalCount {
		res.TotalCount = pr.TotalCount
	}
	return pr, false, nil
}

// rotationPages builds the page list for one rotating cycle: primaries
// first, then the cursor window (wrapping), deduplicated, capped at the
// cycle ceiling.
func (c *Crawler) rotationPages(state *hunter.ProviderState) []int {
	estimate := state.TotalPagesEstimate
	cursor := state.CursorPage
	if cursor < 1 {
		cursor = 1
	}

	var pages []int
	used := make(map[int]struct{})
	add := func(p int) {
		if p < 1 || len(pages) >= c.cfg.MaxPagesPerCycle {
			return
		}
		if _, ok := used[p]; ok {
			return
		}
		used[p] = struct{}{}
		pages = append(pages, p)
	}

	for p := 1; p <= c.cfg.PrimaryPages; p++ {
		add(p)
	}
	for i := 0; i < c.cfg.Window; i++ {
		p := cursor + i
		if estimate > 0 && p > estimate {
			p = (p-1)%estimate + 1
		}
		add(p)
	}
	return pages
}

func (c *Crawler) cooldownFor(kind hunter.ErrKind) time.Duration {
	if kind == hunter.ErrBlocked {
		return c.cfg.CooldownBlocked
	}
	return c.cfg.CooldownRateLimited
}

// pause sleeps the adaptive inter-request delay: burst pacing for very
// large result sets, base pacing otherwise.
func (c *Crawler) pause(ctx context.Context, totalCount int) error {
	d := c.cfg.BaseDelay
	if c.cfg.BurstThreshold > 0 && totalCount > c.cfg.BurstThreshold {
		d = c.cfg.BurstDelay
	}
	return c.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
