package storageio

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// SplitCapture splits recorded sampler output into batches. Every timestamp line
// starts a batch and lines before the first one are dropped.
func SplitCapture(r io.Reader) ([][]string, error) {
	var (
		batches [][]string
		current []string
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if timestampPattern.MatchString(line) {
			if current != nil {
				batches = append(batches, current)
			}
			current = []string{line}
			continue
		}
		if current != nil {
			current = append(current, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}

	if current != nil {
		batches = append(batches, current)
	}
	return batches, nil
}
