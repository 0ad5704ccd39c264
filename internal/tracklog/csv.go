// Package tracklog reads and writes position tracks as CSV.
package tracklog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"homefence/internal/model"
)

// Point is one timestamped fix.
type Point struct {
	Time     time.Time
	Location model.Location
}

var header = []string{"timestamp", "lat", "lng", "bearing", "speed"}

// WriteCSV writes points with a header row.
func WriteCSV(w io.Writer, points []Point) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, points); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends points to path, creating it with a header when missing or empty.
func AppendCSV(path string, points []Point) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, points); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, points []Point) error {
	for _, p := range points {
		record := []string{
			p.Time.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(p.Location.Lat, 'f', 7, 64),
			strconv.FormatFloat(p.Location.Lng, 'f', 7, 64),
			optional(p.Location.Bearing),
			optional(p.Location.Speed),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// ReadCSV loads a track file.
func ReadCSV(path string) ([]Point, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Point, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	points := make([]Point, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 3 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		lat, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lat at line %d: %w", i+1, err)
		}
		lng, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lng at line %d: %w", i+1, err)
		}
		loc := model.NewLocation(lat, lng)
		if len(rec) > 3 && rec[3] != "" {
			if bearing, err := strconv.ParseFloat(rec[3], 64); err == nil {
				loc = loc.WithBearing(bearing)
			}
		}
		if len(rec) > 4 && rec[4] != "" {
			if speed, err := strconv.ParseFloat(rec[4], 64); err == nil {
				loc = loc.WithSpeed(speed)
			}
		}
		points = append(points, Point{Time: ts, Location: loc})
	}

	return points, nil
}
