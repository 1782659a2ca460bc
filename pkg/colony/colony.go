// Package colony simulates the upstream substrate: a seeded Life-like
// grid whose generations are reported as experiences.
package colony

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/Nikoldigital777/LIA/pkg/bus"
	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

// Source is the bus source name for colony experiences.
const Source = "colony"

type Config struct {
	Width, Height int
	Seed          int64
	// Density is the initial share of live cells.
	Density  float64
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 32
	}
	if c.Height <= 0 {
		c.Height = 32
	}
	if c.Density <= 0 || c.Density >= 1 {
		c.Density = 0.3
	}
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	return c
}

// Generation summarizes one step.
type Generation struct {
	Index      int
	Alive      int
	Born       int
	Died       int
	CentroidX  float64
	CentroidY  float64
	Cells      int
	Stagnation int
}

// Activity is the share of cells that changed state.
func (g Generation) Activity() float64 {
	if g.Cells == 0 {
		return 0
	}
	return float64(g.Born+g.Died) / float64(g.Cells)
}

// Colony is not safe for concurrent Step calls.
type Colony struct {
	cfg   Config
	grid  []bool
	next  []bool
	gen   int
	still int
	rng   *rand.Rand
}

func New(cfg Config) *Colony {
	cfg = cfg.withDefaults()
	c := &Colony{
		cfg:  cfg,
		grid: make([]bool, cfg.Width*cfg.Height),
		next: make([]bool, cfg.Width*cfg.Height),
		rng:  rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15)),
	}
	c.seed()
	return c
}

func (c *Colony) seed() {
	for i := range c.grid {
		c.grid[i] = c.rng.Float64() < c.cfg.Density
	}
}

func (c *Colony) alive(x, y int) bool {
	x = (x + c.cfg.Width) % c.cfg.Width
	y = (y + c.cfg.Height) % c.cfg.Height
	return c.grid[y*c.cfg.Width+x]
}

// Step advances one generation on a torus (B3/S23). A colony that dies out
// or stops changing for eight generations is reseeded.
func (c *Colony) Step() Generation {
	w, h := c.cfg.Width, c.cfg.Height
	g := Generation{Index: c.gen + 1, Cells: w * h}
	var sx, sy float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if (dx != 0 || dy != 0) && c.alive(x+dx, y+dy) {
						n++
					}
				}
			}
			was := c.grid[y*w+x]
			now := n == 3 || (was && n == 2)
			c.next[y*w+x] = now
			switch {
			case now && !was:
				g.Born++
			case was && !now:
				g.Died++
			}
			if now {
				g.Alive++
				sx += float64(x)
				sy += float64(y)
			}
		}
	}
	c.grid, c.next = c.next, c.grid
	c.gen++
	if g.Alive > 0 {
		g.CentroidX = sx / float64(g.Alive) / float64(w)
		g.CentroidY = sy / float64(g.Alive) / float64(h)
	}

	if g.Born+g.Died == 0 {
		c.still++
	} else {
		c.still = 0
	}
	g.Stagnation = c.still
	if g.Alive == 0 || c.still >= 8 {
		logger.DebugCF("colony", "Reseeding colony", map[string]interface{}{"generation": g.Index, "alive": g.Alive})
		c.seed()
		c.still = 0
	}
	return g
}

// Experience renders g as an experience. Salience is tagged from activity.
func (c *Colony) Experience(g Generation, at time.Time) pipeline.Experience {
	return pipeline.NewExperience(
		fmt.Sprintf("col-%d-%06d", c.cfg.Seed, g.Index),
		describe(g),
		at,
		map[string]float64{"salience": clamp(0.3 + 2*g.Activity())},
	)
}

func describe(g Generation) string {
	heading := direction(g.CentroidX, g.CentroidY)
	switch {
	case g.Born > g.Died:
		return fmt.Sprintf("Generation %d: today the colony grew to %d cells, %d were born and %d died as it drifted %s!",
			g.Index, g.Alive, g.Born, g.Died, heading)
	case g.Died > g.Born:
		return fmt.Sprintf("Generation %d: the colony lost %d cells and only %d were born, leaving %d alive and alone in the %s.",
			g.Index, g.Died, g.Born, g.Alive, heading)
	case g.Born == 0:
		return fmt.Sprintf("Generation %d: the colony is stable at %d cells because every cell has two or three neighbours.",
			g.Index, g.Alive)
	default:
		return fmt.Sprintf("Generation %d: first %d cells die, then %d are born in the same step, so the colony oscillates around %d cells.",
			g.Index, g.Died, g.Born, g.Alive)
	}
}

func direction(x, y float64) string {
	ns := "north"
	if y > 0.5 {
		ns = "south"
	}
	ew := "west"
	if x > 0.5 {
		ew = "east"
	}
	return ns + "-" + ew
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Run publishes one experience per generation, paced at cfg.Interval, until
// ctx is done or limit generations were published (limit <= 0 means no
// limit). It returns the number of experiences the bus accepted.
func (c *Colony) Run(ctx context.Context, b *bus.MessageBus, limit int) (int, error) {
	if b == nil {
		return 0, fmt.Errorf("colony: nil bus")
	}
	limiter := rate.NewLimiter(rate.Every(c.cfg.Interval), 1)
	published := 0
	for i := 0; limit <= 0 || i < limit; i++ {
		// Wait fails once ctx is done or its deadline falls before the next slot.
		if err := limiter.Wait(ctx); err != nil {
			return published, nil
		}
		g := c.Step()
		if b.PublishInbound(bus.InboundExperience{Source: Source, Experience: c.Experience(g, time.Now())}) {
			published++
		} else {
			logger.WarnCF("colony", "Experience dropped, bus saturated", map[string]interface{}{
				"generation": g.Index,
				"dropped":    b.DroppedInbound(),
			})
		}
	}
	return published, nil
}
