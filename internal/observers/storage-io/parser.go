package storageio

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrInvalidLine is returned for a device line whose counters are not numbers
	ErrInvalidLine = errors.New("invalid device line")

	// ErrMixedTimestamps is returned for a batch holding two different timestamp lines
	ErrMixedTimestamps = errors.New("batch contains more than one timestamp")

	// ErrMissingTimestamp is returned for a batch with device lines but no timestamp line
	ErrMissingTimestamp = errors.New("batch has no timestamp")
)

// deviceLineGroups is the number of capture groups in a device line: the name and 13 counters
const deviceLineGroups = 14

var (
	timestampPattern = regexp.MustCompile(`^(\d{2}/\d{2}/\d{2,4}) (\d{2}:\d{2}:\d{2})`)
	devicePattern    = regexp.MustCompile(`^(\w+-?\w+)` + strings.Repeat(`\s+(\d+.\d+)`, deviceLineGroups-1))
)

// DeviceFilter drops devices known to be irrelevant
type DeviceFilter interface {
	Ignored(device string) bool
}

// LineKind classifies one line of sampler output
type LineKind uint8

const (
	LineOther LineKind = iota
	LineTimestamp
	LineDevice
	LineIgnored
)

// ParsedLine is the result of parsing one line
type ParsedLine struct {
	Kind      LineKind
	Timestamp string
	Sample    Sample
}

// LineParser turns iostat extended-statistics output into samples
type LineParser struct {
	layout   ColumnLayout
	patterns []string
	filter   DeviceFilter
	logger   *zap.Logger
}

// NewLineParser creates a parser. Devices whose name contains any of ignored, or that
// filter reports, are skipped silently. filter may be nil.
func NewLineParser(layout ColumnLayout, ignored []string, filter DeviceFilter, logger *zap.Logger) *LineParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineParser{
		layout:   layout,
		patterns: ignored,
		filter:   filter,
		logger:   logger.Named("parser"),
	}
}

// ParseLine parses a single line. The returned sample carries no timestamp.
func (p *LineParser) ParseLine(line string) (ParsedLine, error) {
	line = strings.TrimSpace(line)

	if m := timestampPattern.FindString(line); m != "" {
		return ParsedLine{Kind: LineTimestamp, Timestamp: m}, nil
	}

	groups := devicePattern.FindStringSubmatch(line)
	if groups == nil {
		return ParsedLine{Kind: LineOther}, nil
	}

	device := groups[1]
	reads, errR := strconv.ParseFloat(groups[p.layout.ReadOps], 64)
	writes, errW := strconv.ParseFloat(groups[p.layout.WriteOps], 64)
	await, errA := strconv.ParseFloat(groups[p.layout.Await], 64)
	if errR != nil || errW != nil || errA != nil {
		return ParsedLine{}, fmt.Errorf("%w: %s: r/s=%q w/s=%q await=%q", ErrInvalidLine,
			device, groups[p.layout.ReadOps], groups[p.layout.WriteOps], groups[p.layout.Await])
	}

	if p.ignored(device) {
		return ParsedLine{Kind: LineIgnored, Sample: Sample{Device: device}}, nil
	}

	return ParsedLine{
		Kind: LineDevice,
		Sample: Sample{
			Device: device,
			IOPS:   reads + writes,
			Await:  await,
		},
	}, nil
}

func (p *LineParser) ignored(device string) bool {
	for _, pattern := range p.patterns {
		if strings.Contains(device, pattern) {
			return true
		}
	}
	return p.filter != nil && p.filter.Ignored(device)
}

// ParseBatch parses the lines of one sampling run. Malformed device lines are logged
// and skipped. Every sample is stamped with the batch timestamp.
func (p *LineParser) ParseBatch(lines []string) (Batch, error) {
	var batch Batch

	for i, line := range lines {
		parsed, err := p.ParseLine(line)
		if err != nil {
			p.logger.Error("Rejected device line",
				zap.Int("line", i),
				zap.String("text", line),
				zap.Error(err))
			batch.Rejected++
			continue
		}

		switch parsed.Kind {
		case LineTimestamp:
			if batch.Timestamp == "" {
				batch.Timestamp = parsed.Timestamp
			} else if batch.Timestamp != parsed.Timestamp {
				return Batch{}, fmt.Errorf("%w: %q then %q", ErrMixedTimestamps, batch.Timestamp, parsed.Timestamp)
			}
		case LineDevice:
			if batch.Timestamp == "" {
				return Batch{}, fmt.Errorf("%w: device %s", ErrMissingTimestamp, parsed.Sample.Device)
			}
			s := parsed.Sample
			s.Timestamp = batch.Timestamp
			batch.Samples = append(batch.Samples, s)
		case LineIgnored:
			batch.Ignored++
		}
	}

	if batch.Timestamp == "" {
		return Batch{}, ErrMissingTimestamp
	}
	return batch, nil
}
