package storageio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openstack-archive/stx-utils/internal/observers/common"
	"go.uber.org/zap"
)

// ErrEmptyOutput is returned when the sampling command printed nothing
var ErrEmptyOutput = errors.New("sampling command produced no output")

// Sampler runs the statistics command and returns its device section
type Sampler struct {
	name    string
	args    []string
	skip    int
	timeout time.Duration
	retry   *common.RetryManager
	run     commandRunner
	logger  *zap.Logger
}

// NewSampler creates a sampler for cfg.Command
func NewSampler(cfg *Config, logger *zap.Logger) (*Sampler, error) {
	fields := strings.Fields(cfg.Command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := common.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	return &Sampler{
		name:    fields[0],
		args:    fields[1:],
		skip:    cfg.SkipLines,
		timeout: cfg.ProcessingTimeout,
		retry:   common.NewRetryManager(retry),
		run:     execRunner,
		logger:  logger.Named("sampler"),
	}, nil
}

// Sample runs the command once, retrying failed runs, and returns the trimmed lines
// after the preamble
func (s *Sampler) Sample(ctx context.Context) ([]string, error) {
	var out []byte
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		runCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		var err error
		out, err = s.run(runCtx, s.name, s.args...)
		if err != nil {
			s.logger.Debug("Sampling command failed", zap.String("command", s.name), zap.Error(err))
			return err
		}
		if len(bytes.TrimSpace(out)) == 0 {
			return ErrEmptyOutput
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return splitOutput(out, s.skip), nil
}

// splitOutput drops the first skip lines and trims the rest
func splitOutput(out []byte, skip int) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for i := 0; scanner.Scan(); i++ {
		if i < skip {
			continue
		}
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
