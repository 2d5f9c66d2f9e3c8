package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

type StrokeType string

const (
	StrokeTypeFreehand  StrokeType = "freehand"
	StrokeTypeRectangle StrokeType = "rectangle"
	StrokeTypeCircle    StrokeType = "circle"
	StrokeTypeLine      StrokeType = "line"
	StrokeTypeArrow     StrokeType = "arrow"
	StrokeTypeArrowLine StrokeType = "arrow-line"
	StrokeTypeText      StrokeType = "text"
)

var (
	ErrUnknownStrokeType = errors.New("unknown stroke type")
	ErrInvalidStroke     = errors.New("invalid stroke")
)

// fields that can never be changed by an update
var immutableStrokeFields = []string{"id", "from", "createdAt"}

type Point struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
}

// Stroke is a finished shape on the board. Type is the discriminator; only the geometry fields belonging to the
// type are meaningful (and only those are put on the wire, see MarshalJSON).
// From and CreatedAt are set by the server for public strokes, they are never decoded from client payloads.
type Stroke struct {
	Id    string     `json:"id" mapstructure:"id"`
	Type  StrokeType `json:"type" mapstructure:"type"`
	Color string     `json:"color" mapstructure:"color"`
	Width float64    `json:"width" mapstructure:"width"`

	// freehand
	Points []Point `json:"points" mapstructure:"points"`

	// rectangle, circle, line, arrow, arrow-line
	StartX float64 `json:"startX" mapstructure:"startX"`
	StartY float64 `json:"startY" mapstructure:"startY"`
	EndX   float64 `json:"endX" mapstructure:"endX"`
	EndY   float64 `json:"endY" mapstructure:"endY"`

	// text
	X          float64 `json:"x" mapstructure:"x"`
	Y          float64 `json:"y" mapstructure:"y"`
	Text       string  `json:"text" mapstructure:"text"`
	FontSize   float64 `json:"fontSize" mapstructure:"fontSize"`
	FontFamily string  `json:"fontFamily" mapstructure:"fontFamily"`

	From      string `json:"from" mapstructure:"-"`
	CreatedAt int64  `json:"createdAt" mapstructure:"-"` // unix millis
}

type strokeHeader struct {
	Id        string     `json:"id"`
	Type      StrokeType `json:"type"`
	Color     string     `json:"color"`
	Width     float64    `json:"width"`
	From      string     `json:"from,omitempty"`
	CreatedAt int64      `json:"createdAt,omitempty"`
}

type freehandWire struct {
	strokeHeader
	Points []Point `json:"points"`
}

type shapeWire struct {
	strokeHeader
	StartX float64 `json:"startX"`
	StartY float64 `json:"startY"`
	EndX   float64 `json:"endX"`
	EndY   float64 `json:"endY"`
}

type textWire struct {
	strokeHeader
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	FontFamily string  `json:"fontFamily"`
}

// IsShape reports whether the type is one of the two-point shapes.
func (t StrokeType) IsShape() bool {
	switch t {
	case StrokeTypeRectangle, StrokeTypeCircle, StrokeTypeLine, StrokeTypeArrow, StrokeTypeArrowLine:
		return true
	}
	return false
}

// MarshalJSON emits the common fields plus the geometry of the active variant only.
func (s Stroke) MarshalJSON() ([]byte, error) {
	header := strokeHeader{
		Id:        s.Id,
		Type:      s.Type,
		Color:     s.Color,
		Width:     s.Width,
		From:      s.From,
		CreatedAt: s.CreatedAt,
	}
	switch {
	case s.Type == StrokeTypeFreehand:
		points := s.Points
		if points == nil {
			points = []Point{}
		}
		return json.Marshal(freehandWire{strokeHeader: header, Points: points})
	case s.Type.IsShape():
		return json.Marshal(shapeWire{strokeHeader: header, StartX: s.StartX, StartY: s.StartY, EndX: s.EndX, EndY: s.EndY})
	case s.Type == StrokeTypeText:
		return json.Marshal(textWire{strokeHeader: header, X: s.X, Y: s.Y, Text: s.Text, FontSize: s.FontSize, FontFamily: s.FontFamily})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrokeType, s.Type)
}

// Validate checks the discriminator and the geometry required by it.
func (s *Stroke) Validate() error {
	if s.Id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidStroke)
	}
	switch {
	case s.Type == StrokeTypeFreehand:
		if len(s.Points) == 0 {
			return fmt.Errorf("%w: freehand stroke without points", ErrInvalidStroke)
		}
	case s.Type.IsShape():
	case s.Type == StrokeTypeText:
		if s.Text == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidStroke)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrokeType, s.Type)
	}
	return nil
}

// Clone returns a deep copy (the points slice is not shared).
func (s Stroke) Clone() Stroke {
	if s.Points != nil {
		points := make([]Point, len(s.Points))
		copy(points, s.Points)
		s.Points = points
	}
	return s
}

// DecodeStroke decodes a client stroke payload. Numbers sent as strings are accepted (weak decoding), unknown keys
// are ignored. The result is not validated, the caller may need to assign an id first.
func DecodeStroke(raw json.RawMessage) (Stroke, error) {
	stroke := Stroke{}
	strokeMap := make(map[string]interface{})
	if err := json.Unmarshal(raw, &strokeMap); err != nil {
		return stroke, fmt.Errorf("%w: %s", ErrInvalidStroke, err)
	}
	if err := mapstructure.WeakDecode(strokeMap, &stroke); err != nil {
		return stroke, fmt.Errorf("%w: %s", ErrInvalidStroke, err)
	}
	return stroke, nil
}

// ApplyUpdates overlays the given fields onto a copy of the stroke and validates the result. id, from and
// createdAt are never touched.
func (s Stroke) ApplyUpdates(updates map[string]interface{}) (Stroke, error) {
	updated := s.Clone()
	filtered := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		filtered[k] = v
	}
	for _, k := range immutableStrokeFields {
		delete(filtered, k)
	}
	if _, ok := filtered["points"]; ok {
		// decoding into a non-nil slice keeps trailing elements of the old value
		updated.Points = nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &updated,
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(filtered); err != nil {
		return s, fmt.Errorf("%w: %s", ErrInvalidStroke, err)
	}
	if err := updated.Validate(); err != nil {
		return s, err
	}
	return updated, nil
}
