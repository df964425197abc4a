package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/floorfleet/internal/fsutil"
)

// Detector color labels. Rear markers carry their vehicle number as a
// suffix: "Heck1", "Heck2", ...
const (
	ColorFront      = "Front"
	ColorRearPrefix = "Heck"
)

// DetectorDocument is the JSON document the external detector rewrites on
// every camera frame.
type DetectorDocument struct {
	Timestamp float64          `json:"timestamp"`
	CropArea  CropArea         `json:"crop_area"`
	Objects   []DetectorObject `json:"objects"`
}

// CropArea is the detector's crop frame size in pixels.
type CropArea struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectorObject is a single colored blob.
type DetectorObject struct {
	ID          int         `json:"id"`
	Color       string      `json:"color"`
	Coordinates Coordinates `json:"coordinates"`
	Area        float64     `json:"area"`
	CropWidth   *float64    `json:"crop_width,omitempty"`
	CropHeight  *float64    `json:"crop_height,omitempty"`
}

// Coordinates is a crop-pixel position.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RawRecord is one detector record in crop pixels.
type RawRecord struct {
	Kind   MarkerKind
	RearID int
	X, Y   float64
	CropW  float64
	CropH  float64
}

// ParseDetectorDocument decodes a detector document.
func ParseDetectorDocument(data []byte) (*DetectorDocument, error) {
	var doc DetectorDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse detector document: %w", err)
	}
	return &doc, nil
}

// Records converts the document objects into raw records. Objects with an
// unknown color are skipped. A per-object crop size overrides the document
// crop area.
func (d *DetectorDocument) Records() []RawRecord {
	out := make([]RawRecord, 0, len(d.Objects))
	for _, obj := range d.Objects {
		kind, rearID, ok := parseColor(obj.Color)
		if !ok {
			continue
		}
		rec := RawRecord{
			Kind:   kind,
			RearID: rearID,
			X:      obj.Coordinates.X,
			Y:      obj.Coordinates.Y,
			CropW:  d.CropArea.Width,
			CropH:  d.CropArea.Height,
		}
		if obj.CropWidth != nil {
			rec.CropW = *obj.CropWidth
		}
		if obj.CropHeight != nil {
			rec.CropH = *obj.CropHeight
		}
		out = append(out, rec)
	}
	return out
}

func parseColor(color string) (MarkerKind, int, bool) {
	if color == ColorFront {
		return MarkerFront, 0, true
	}
	rest, ok := strings.CutPrefix(color, ColorRearPrefix)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, 0, false
	}
	return MarkerRear, id, true
}

// FileSource reads the detector document from disk. A document whose
// timestamp has not changed since the previous read yields an empty frame.
type FileSource struct {
	fs   fsutil.FileSystem
	path string

	lastTimestamp float64
	haveTimestamp bool
}

// NewFileSource creates a FileSource for path.
func NewFileSource(fs fsutil.FileSystem, path string) *FileSource {
	return &FileSource{fs: fs, path: path}
}

// Next returns the records of the current document. A missing or
// half-written file is reported as an error and leaves the source state
// unchanged.
func (s *FileSource) Next() ([]RawRecord, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read detector document %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, errors.New("detector document is empty")
	}
	doc, err := ParseDetectorDocument(data)
	if err != nil {
		return nil, err
	}
	if s.haveTimestamp && doc.Timestamp == s.lastTimestamp {
		return nil, nil
	}
	s.lastTimestamp = doc.Timestamp
	s.haveTimestamp = true
	return doc.Records(), nil
}

// Pipeline runs transform, filtering and pairing for one frame.
type Pipeline struct {
	Transform     *Transform
	PairTolerance float64
	MaxVehicles   int
}

// Poses converts raw records into vehicle poses stamped with now. Records
// with an unusable crop size, points off the playfield, and rear-ids
// outside 1..MaxVehicles are dropped.
func (p *Pipeline) Poses(records []RawRecord, now time.Time) []VehiclePose {
	markers := make([]Marker, 0, len(records))
	for _, r := range records {
		if r.Kind == MarkerRear && (r.RearID < 1 || (p.MaxVehicles > 0 && r.RearID > p.MaxVehicles)) {
			continue
		}
		pos, ok := p.Transform.Apply(r.X, r.Y, r.CropW, r.CropH)
		if !ok {
			continue
		}
		markers = append(markers, Marker{Kind: r.Kind, RearID: r.RearID, Pos: pos})
	}
	return Pair(markers, p.PairTolerance, now)
}
