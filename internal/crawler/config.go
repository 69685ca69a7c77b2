package crawler

import (
	"fmt"
	"strings"
)

// Config captures the knobs of one pipeline's batch runner.
type Config struct {
	Pipeline string
	Limits   Limits
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Pipeline) == "" {
		return fmt.Errorf("runner pipeline name must be set")
	}
	if c.Limits.MaxItems < 0 {
		return fmt.Errorf("pipeline %s: max_items must be >= 0", c.Pipeline)
	}
	if c.Limits.MaxDuration < 0 {
		return fmt.Errorf("pipeline %s: max_batch_duration must be >= 0", c.Pipeline)
	}
	return nil
}
