package filter

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-board/types"
)

// StrokeFilter is the admission policy for finished strokes. The expression is evaluated against an Env and must
// yield a bool. A nil StrokeFilter admits everything.
type StrokeFilter struct {
	source string
	prog   *vm.Program
}

// NewStrokeFilter compiles the expression. An empty expression returns a nil filter.
func NewStrokeFilter(expression string) (*StrokeFilter, error) {
	if expression == "" {
		return nil, nil
	}
	prog, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("could not compile stroke filter: %w", err)
	}
	return &StrokeFilter{source: expression, prog: prog}, nil
}

func NewEnv(roomId, userId string, isAdmin, isPublic bool, stroke types.Stroke) Env {
	return Env{
		RoomId:     roomId,
		UserId:     userId,
		IsAdmin:    isAdmin,
		IsPublic:   isPublic,
		Type:       string(stroke.Type),
		Color:      stroke.Color,
		Width:      stroke.Width,
		PointCount: len(stroke.Points),
		TextLength: len([]rune(stroke.Text)),
		FontSize:   stroke.FontSize,
	}
}

// Allow runs the filter. Evaluation errors reject the stroke.
func (f *StrokeFilter) Allow(env Env) (bool, error) {
	if f == nil || f.prog == nil {
		return true, nil
	}
	res, err := expr.Run(f.prog, env)
	if err != nil {
		return false, err
	}
	allowed, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("stroke filter %q did not return a bool", f.source)
	}
	return allowed, nil
}

func (f *StrokeFilter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
