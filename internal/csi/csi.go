package csi

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultDelimiter separates the fields of a CSI line
	DefaultDelimiter = ";"

	// NumFields is the number of fields every CSI line carries
	NumFields = 7

	timeLayout = "15:04:05"
)

// Reading is a single channel state information measurement for one subcarrier
type Reading struct {
	Timestamp  time.Time // Sub-second timestamp of the measurement
	DeviceID   string    // Transmitter MAC address or identifier
	Subcarrier string    // Subcarrier index as reported by the sensor
	Amplitude  float64
	Phase      float64
	RSSI       float64 // Received signal strength in dBm
	CenterFreq float64 // Channel center frequency
}

// MalformedLineError is returned when a line cannot be decoded into a Reading.
// The line is expected to be skipped, it never terminates the stream.
type MalformedLineError struct {
	Line   string
	Reason string
	Err    error
}

func (e *MalformedLineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed line: %s: %s", e.Reason, e.Err.Error())
	}
	return fmt.Sprintf("malformed line: %s", e.Reason)
}

func (e *MalformedLineError) Unwrap() error {
	return e.Err
}

// Parser decodes delimiter separated CSI lines
type Parser struct {
	delimiter string
}

// NewParser creates a parser for the given field delimiter. An empty
// delimiter falls back to DefaultDelimiter.
func NewParser(delimiter string) *Parser {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Parser{delimiter: delimiter}
}

// Delimiter returns the field delimiter of the parser
func (p *Parser) Delimiter() string {
	return p.delimiter
}

// Parse decodes a single line of the form
//
//	time;mac;subcarrier;amplitude;phase;rssi;fc
//
// where time is "HH:MM:SS:frac" and numeric fields may use a decimal comma.
func (p *Parser) Parse(line string) (Reading, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), p.delimiter)
	if len(fields) != NumFields {
		return Reading{}, &MalformedLineError{
			Line:   line,
			Reason: fmt.Sprintf("expected %d fields, got %d", NumFields, len(fields)),
		}
	}

	timestamp, err := ParseTimestamp(strings.TrimSpace(fields[0]))
	if err != nil {
		return Reading{}, &MalformedLineError{Line: line, Reason: "invalid timestamp", Err: err}
	}

	subcarrier := strings.TrimSpace(fields[2])
	if subcarrier == "" {
		return Reading{}, &MalformedLineError{Line: line, Reason: "empty subcarrier"}
	}

	var values [4]float64
	names := [4]string{"amplitude", "phase", "rssi", "center frequency"}
	for i := range values {
		if values[i], err = ParseDecimal(fields[3+i]); err != nil {
			return Reading{}, &MalformedLineError{Line: line, Reason: "invalid " + names[i], Err: err}
		}
	}

	return Reading{
		Timestamp:  timestamp,
		DeviceID:   strings.TrimSpace(fields[1]),
		Subcarrier: subcarrier,
		Amplitude:  values[0],
		Phase:      values[1],
		RSSI:       values[2],
		CenterFreq: values[3],
	}, nil
}

// ParseTimestamp reassembles a colon separated timestamp whose last
// component is the fractional second, e.g. "10:21:07:482" is read as
// "10:21:07.482".
func ParseTimestamp(s string) (time.Time, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return time.Time{}, fmt.Errorf("timestamp %q has no fractional component", s)
	}

	frac := s[idx+1:]
	for _, r := range frac {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("timestamp %q has a non-numeric fraction", s)
		}
	}

	return time.Parse(timeLayout, s[:idx]+"."+frac)
}

// ErrNotFinite is returned for NaN and infinite values, which count as missing
var ErrNotFinite = errors.New("value is not finite")

// ParseDecimal parses a finite float that may use a comma as decimal separator
func ParseDecimal(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrNotFinite, s)
	}
	return v, nil
}
