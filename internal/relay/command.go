package relay

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Commander runs the VPN client CLI.
type Commander interface {
	Run(ctx context.Context, args ...string) error
}

// ExecCommander runs a local binary, "mullvad" by default.
type ExecCommander struct {
	binary string
	logger *zap.Logger
}

// NewExecCommander builds a Commander over os/exec.
func NewExecCommander(binary string, logger *zap.Logger) *ExecCommander {
	if binary == "" {
		binary = "mullvad"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecCommander{binary: binary, logger: logger.Named("vpn")}
}

// Run executes the binary with args and fails on a non-zero exit.
func (c *ExecCommander) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.binary, args...) //nolint:gosec // binary comes from operator config
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", c.binary, strings.Join(args, " "), err, output)
	}
	c.logger.Debug("vpn command", zap.Strings("args", args), zap.String("output", output))
	return nil
}
