// Command replay counts line crossings in recorded detections.
//
//	replay -csv detections.csv [-stream door-1] [-direction top-to-bottom] [-db crossings.db] [-events]
//
// Counting and tracking settings come from config.yaml and the environment,
// as for the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/san-kum/gate-counter/server/config"
	"github.com/san-kum/gate-counter/server/counter"
	"github.com/san-kum/gate-counter/server/detector"
	"github.com/san-kum/gate-counter/server/models"
	"github.com/san-kum/gate-counter/server/processor"
	"github.com/san-kum/gate-counter/server/store"
)

type summary struct {
	StreamID  string                 `json:"stream_id"`
	Frames    int                    `json:"frames"`
	Skipped   int                    `json:"skipped_rows"`
	Counts    models.Counts          `json:"counts"`
	Crossings []models.CrossingEvent `json:"crossings,omitempty"`
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	flags := flag.NewFlagSet("replay", flag.ContinueOnError)
	csvPath := flags.String("csv", "-", "detections CSV file, - for stdin")
	streamID := flags.String("stream", processor.DefaultStreamID, "stream ID stamped on crossings")
	direction := flags.String("direction", "", "override counting.direction")
	dbPath := flags.String("db", "", "also record crossings into this SQLite database")
	events := flags.Bool("events", false, "include every crossing in the output")
	verbose := flags.Bool("v", false, "log track lifecycle at debug level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	pipelineConfig := cfg.Pipeline()
	if *direction != "" {
		pipelineConfig.Counting.Direction = counter.Direction(*direction)
	}

	pipeline, err := processor.NewPipeline(*streamID, pipelineConfig, logger)
	if err != nil {
		return fmt.Errorf("invalid counting configuration: %w", err)
	}

	var st *store.Store
	if *dbPath != "" {
		if st, err = store.Open(*dbPath, logger); err != nil {
			return err
		}
		defer st.Close()
	}

	input := stdin
	if *csvPath != "-" {
		f, err := os.Open(*csvPath)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}

	reader := detector.NewCSVReader(input, *streamID, logger)
	out := summary{StreamID: *streamID}
	ctx := context.Background()

	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		result, err := pipeline.Process(frame)
		if err != nil {
			return err
		}
		out.Frames++

		for i := range result.Crossings {
			if st != nil {
				if err := st.RecordCrossing(ctx, &result.Crossings[i]); err != nil {
					return err
				}
			}
			if *events {
				out.Crossings = append(out.Crossings, result.Crossings[i])
			}
		}
	}

	out.Counts = pipeline.Counts()
	out.Skipped = reader.Skipped()

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
