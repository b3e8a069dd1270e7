package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/risa-org/collector/protocol"
)

const maxLine = 4 << 20

// resultReader turns NDJSON lines into records and tallies the summary.
type resultReader struct {
	IDField     string
	ResultField string
	Log         zerolog.Logger

	Skipped int
}

// Stream reads r line by line and hands each result to write. A write
// error skips that line; only reading errors and ctx stop the stream.
func (rr *resultReader) Stream(ctx context.Context, r io.Reader, write func(protocol.Record) error) (protocol.Summary, error) {
	var summary protocol.Summary

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLine)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		line++

		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if !gjson.Valid(raw) {
			rr.skip(line, "not valid JSON")
			continue
		}

		id := gjson.Get(raw, rr.IDField).String()
		if id == "" {
			rr.skip(line, "no identifier")
			continue
		}
		if err := write(protocol.Record{ID: id, Payload: []byte(raw)}); err != nil {
			rr.Log.Warn().Err(err).Int("line", line).Str("id", id).Msg("result not accepted")
			rr.Skipped++
			continue
		}

		summary.Examples++
		switch strings.ToLower(gjson.Get(raw, rr.ResultField).String()) {
		case "failed", "failure", "error":
			summary.Failed++
		case "pending", "skipped":
			summary.Pending++
		}
	}
	return summary, scanner.Err()
}

func (rr *resultReader) skip(line int, why string) {
	rr.Skipped++
	rr.Log.Warn().Int("line", line).Str("reason", why).Msg("skipping result line")
}
