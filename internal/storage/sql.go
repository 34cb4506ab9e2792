package storage

import (
	_ "embed"
)

var (
	//go:embed schema.sql
	initSchemaSQL string

	//go:embed indexes.sql
	initIndexesSQL string
)

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      uuid,
                      start_time,
                      config)
VALUES (?, CURRENT_TIMESTAMP, ?)`

	selectSessionSQL = `
SELECT 
    id, 
    uuid, 
    start_time, 
    config 
FROM sessions 
WHERE 
    id = ?`

	selectSessionByUUIDSQL = `
SELECT 
    id, 
    uuid, 
    start_time, 
    config 
FROM sessions 
WHERE 
    uuid = ?`

	selectSessionsSQL = `
SELECT 
    id, 
    uuid, 
    start_time, 
    config 
FROM sessions
ORDER BY start_time, id`

	insertClassificationSQL = `
INSERT INTO classifications (
                             session_id,
                             seq,
                             window_start,
                             window_end,
                             label_index,
                             label,
                             confidence,
                             num_rows,
                             num_cols,
                             subcarriers,
                             amplitudes,
                             latency_us)
VALUES `

	insertClassificationValuesSQL = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	selectClassificationsSQL = `
SELECT 
    seq,
    window_start,
    window_end,
    label_index,
    label,
    confidence,
    subcarriers,
    amplitudes,
    latency_us
FROM classifications
WHERE 
    session_id = ?
    AND seq >= ?
    AND confidence >= ?
    AND (? < 0 OR label_index = ?)
ORDER BY seq`

	countClassificationsSQL = `
SELECT 
    COUNT(*)
FROM classifications
WHERE 
    session_id = ?`
)
