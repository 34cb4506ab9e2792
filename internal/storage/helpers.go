package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// windowTimeFormat keeps the full precision of the time-of-day stamps
// produced by the CSI stream, whose date part is zero
const windowTimeFormat = "2006-01-02T15:04:05.999999999Z07:00"

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && cErr != sql.ErrTxDone && *err == nil {
		*err = cErr
	}
}

func toConfigData(config any) (configData sql.NullString, err error) {
	if config == nil {
		return
	}

	switch v := config.(type) {
	case string:
		configData.String = v
	case []byte:
		configData.String = string(v)
	default:
		var p []byte
		if p, err = json.Marshal(config); err != nil {
			return configData, fmt.Errorf("marshaling config: %w", err)
		}
		configData.String = string(p)
	}

	configData.Valid = true
	return
}

func toClassificationData(c *Classification) (*classificationData, error) {
	subcarriers, err := json.Marshal(c.Subcarriers)
	if err != nil {
		return nil, fmt.Errorf("marshaling subcarriers: %w", err)
	}
	amplitudes, err := json.Marshal(c.Amplitudes)
	if err != nil {
		return nil, fmt.Errorf("marshaling amplitudes: %w", err)
	}

	return &classificationData{
		WindowStart: c.WindowStart.UTC().Format(windowTimeFormat),
		WindowEnd:   c.WindowEnd.UTC().Format(windowTimeFormat),
		Subcarriers: string(subcarriers),
		Amplitudes:  string(amplitudes),
		LatencyUS:   c.Latency.Microseconds(),
	}, nil
}

func fromClassificationData(data *classificationData, c *Classification) (err error) {
	if c.WindowStart, err = time.Parse(windowTimeFormat, data.WindowStart); err != nil {
		return fmt.Errorf("parsing window start: %w", err)
	}
	if c.WindowEnd, err = time.Parse(windowTimeFormat, data.WindowEnd); err != nil {
		return fmt.Errorf("parsing window end: %w", err)
	}
	if err = json.Unmarshal([]byte(data.Subcarriers), &c.Subcarriers); err != nil {
		return fmt.Errorf("unmarshaling subcarriers: %w", err)
	}
	if err = json.Unmarshal([]byte(data.Amplitudes), &c.Amplitudes); err != nil {
		return fmt.Errorf("unmarshaling amplitudes: %w", err)
	}
	c.Latency = time.Duration(data.LatencyUS) * time.Microsecond
	return nil
}
