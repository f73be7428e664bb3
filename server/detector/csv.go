package detector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/san-kum/gate-counter/server/models"
	"go.uber.org/zap"
)

// CSV replay columns. frame, minx, miny, maxx and maxy are required; the
// rest are derived from the box when absent. A row whose box columns are
// empty marks a frame with no detections.
const (
	colFrame  = "frame"
	colLabel  = "label"
	colMinX   = "minx"
	colMinY   = "miny"
	colMaxX   = "maxx"
	colMaxY   = "maxy"
	colCX     = "cx"
	colCY     = "cy"
	colArea   = "area"
	colWidth  = "width"
	colHeight = "height"
)

var requiredColumns = []string{colFrame, colMinX, colMinY, colMaxX, colMaxY}

// CSVReader streams recorded detections grouped into frames.
type CSVReader struct {
	reader   *csv.Reader
	streamID string
	logger   *zap.Logger

	colMap  map[string]int
	pending *models.Frame
	ready   []*models.Frame
	lastSeq uint64
	emitted bool
	eof     bool
	skipped int
}

func NewCSVReader(r io.Reader, streamID string, logger *zap.Logger) *CSVReader {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	return &CSVReader{
		reader:   reader,
		streamID: streamID,
		logger:   logger,
	}
}

// ReadFramesCSV reads every frame from r.
func ReadFramesCSV(r io.Reader, streamID string, logger *zap.Logger) ([]models.Frame, error) {
	return NewCSVReader(r, streamID, logger).ReadAll()
}

func (cr *CSVReader) ReadAll() ([]models.Frame, error) {
	var frames []models.Frame
	for {
		frame, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, *frame)
	}

	cr.logger.Info("Loaded frames from CSV",
		zap.String("stream_id", cr.streamID),
		zap.Int("frames", len(frames)),
		zap.Int("skipped_rows", cr.skipped))
	return frames, nil
}

// Stream sends frames to out until the input is exhausted or ctx is done.
func (cr *CSVReader) Stream(ctx context.Context, out chan<- *models.Frame) error {
	for {
		frame, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Skipped returns the number of malformed rows ignored so far.
func (cr *CSVReader) Skipped() int {
	return cr.skipped
}

// Next returns the next frame. Frame numbers missing from the file are
// returned as empty frames so tracks age normally. It returns io.EOF after
// the last frame.
func (cr *CSVReader) Next() (*models.Frame, error) {
	if cr.colMap == nil {
		if err := cr.readHeader(); err != nil {
			return nil, err
		}
	}

	for len(cr.ready) == 0 {
		if cr.eof {
			return nil, io.EOF
		}
		if err := cr.fill(); err != nil {
			return nil, err
		}
	}

	frame := cr.ready[0]
	cr.ready = cr.ready[1:]
	return frame, nil
}

// fill consumes one row.
func (cr *CSVReader) fill() error {
	row, err := cr.reader.Read()
	if errors.Is(err, io.EOF) {
		if cr.pending != nil {
			cr.emit(cr.pending)
			cr.pending = nil
		}
		cr.eof = true
		return nil
	}
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			cr.skip(err)
			return nil
		}
		return fmt.Errorf("failed to read CSV row: %w", err)
	}

	seq, det, width, height, err := cr.parseRow(row)
	if err != nil {
		cr.skip(err)
		return nil
	}

	switch {
	case cr.pending != nil && seq == cr.pending.Seq:
		if det != nil {
			cr.pending.Detections = append(cr.pending.Detections, *det)
		}
	case cr.pending != nil && seq < cr.pending.Seq,
		cr.pending == nil && cr.emitted && seq <= cr.lastSeq:
		cr.skip(fmt.Errorf("frame %d out of order", seq))
	default:
		if cr.pending != nil {
			cr.emit(cr.pending)
		}
		cr.pending = &models.Frame{
			StreamID: cr.streamID,
			Seq:      seq,
			Width:    width,
			Height:   height,
		}
		if det != nil {
			cr.pending.Detections = append(cr.pending.Detections, *det)
		}
	}
	return nil
}

func (cr *CSVReader) emit(frame *models.Frame) {
	if cr.emitted {
		for seq := cr.lastSeq + 1; seq < frame.Seq; seq++ {
			cr.ready = append(cr.ready, &models.Frame{
				StreamID: cr.streamID,
				Seq:      seq,
				Width:    frame.Width,
				Height:   frame.Height,
			})
		}
	}
	cr.ready = append(cr.ready, frame)
	cr.lastSeq = frame.Seq
	cr.emitted = true
}

func (cr *CSVReader) readHeader() error {
	header, err := cr.reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	cr.colMap = make(map[string]int, len(header))
	for i, col := range header {
		cr.colMap[strings.ToLower(strings.TrimSpace(col))] = i
	}

	for _, col := range requiredColumns {
		if _, ok := cr.colMap[col]; !ok {
			return fmt.Errorf("CSV header missing column %q", col)
		}
	}
	return nil
}

func (cr *CSVReader) skip(err error) {
	cr.skipped++
	cr.logger.Warn("Skipping CSV row", zap.Error(err))
}

func (cr *CSVReader) field(row []string, col string) (string, bool) {
	idx, ok := cr.colMap[col]
	if !ok || idx >= len(row) {
		return "", false
	}
	v := strings.TrimSpace(row[idx])
	return v, v != ""
}

func (cr *CSVReader) parseRow(row []string) (seq uint64, det *models.Detection, width, height int, err error) {
	raw, _ := cr.field(row, colFrame)
	seq, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, nil, 0, 0, fmt.Errorf("invalid frame: %w", err)
	}

	if v, ok := cr.field(row, colWidth); ok {
		if width, err = strconv.Atoi(v); err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid width: %w", err)
		}
	}
	if v, ok := cr.field(row, colHeight); ok {
		if height, err = strconv.Atoi(v); err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid height: %w", err)
		}
	}

	if _, ok := cr.field(row, colMinX); !ok {
		return seq, nil, width, height, nil
	}

	var corners [4]int
	for i, col := range []string{colMinX, colMinY, colMaxX, colMaxY} {
		v, _ := cr.field(row, col)
		if corners[i], err = strconv.Atoi(v); err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid %s: %w", col, err)
		}
	}

	d := models.Detection{
		Box: models.Box{MinX: corners[0], MinY: corners[1], MaxX: corners[2], MaxY: corners[3]},
	}
	d.Centroid = models.Point{
		X: float64(d.Box.MinX+d.Box.MaxX) / 2,
		Y: float64(d.Box.MinY+d.Box.MaxY) / 2,
	}
	d.Area = d.Box.Area()

	if v, ok := cr.field(row, colLabel); ok {
		label, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid label: %w", err)
		}
		d.Label = uint32(label)
	}
	if v, ok := cr.field(row, colCX); ok {
		if d.Centroid.X, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid cx: %w", err)
		}
	}
	if v, ok := cr.field(row, colCY); ok {
		if d.Centroid.Y, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid cy: %w", err)
		}
	}
	if v, ok := cr.field(row, colArea); ok {
		if d.Area, err = strconv.Atoi(v); err != nil {
			return 0, nil, 0, 0, fmt.Errorf("invalid area: %w", err)
		}
	}

	return seq, &d, width, height, nil
}
