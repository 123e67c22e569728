package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/internal/config"
	"github.com/vjranagit/tsplot/pkg/types"
)

// IngestParams are the flags of the ingest command.
type IngestParams struct {
	File   string            `arg:"" help:"CSV file of time_ns,value rows; - for stdin."`
	Stream uuid.UUID         `required:"" help:"Stream UUID."`
	Name   string            `help:"Stream name."`
	Tags   map[string]string `help:"Stream tags as key=value pairs."`
	URL    string            `default:"http://localhost:9090/api/v1/write" help:"Write endpoint."`
	Batch  int               `default:"10000" help:"Samples per request."`
}

func ingest(ctx context.Context, _ *config.Config, params *IngestParams, l *zap.Logger) error {
	var in io.Reader = os.Stdin
	if params.File != "-" {
		f, err := os.Open(params.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	meta := types.StreamMeta{UUID: params.Stream, Name: params.Name, Tags: params.Tags}
	client := &http.Client{}

	var total int
	var sent uint64
	err := readSamples(in, max(params.Batch, 1), func(samples []types.Sample) error {
		n, err := postSamples(ctx, client, params.URL, meta, samples)
		total += len(samples)
		sent += uint64(n)
		return err
	})
	if err != nil {
		return err
	}

	l.Info("Ingested",
		zap.Stringer("stream", params.Stream),
		zap.Int("samples", total),
		zap.String("sent", humanize.IBytes(sent)),
	)
	return nil
}

// readSamples parses time_ns,value rows and passes them to flush in batches.
// Blank lines and a non-numeric header row are skipped.
func readSamples(in io.Reader, batch int, flush func([]types.Sample) error) error {
	r := csv.NewReader(in)
	r.FieldsPerRecord = 2
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	samples := make([]types.Sample, 0, batch)
	for row := 1; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		t, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			if row == 1 {
				continue
			}
			return fmt.Errorf("row %d: invalid time %q", row, rec[0])
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return fmt.Errorf("row %d: invalid value %q", row, rec[1])
		}

		samples = append(samples, types.Sample{Time: t, Value: v})
		if len(samples) == batch {
			if err := flush(samples); err != nil {
				return err
			}
			samples = make([]types.Sample, 0, batch)
		}
	}

	if len(samples) > 0 {
		return flush(samples)
	}
	return nil
}

func postSamples(ctx context.Context, client *http.Client, url string, meta types.StreamMeta, samples []types.Sample) (int, error) {
	b, err := json.Marshal(types.WriteRequest{Series: []types.Series{{Stream: meta, Samples: samples}}})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("archive returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	return len(b), nil
}
