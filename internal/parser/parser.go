// Package parser converts the string arguments of dispatched commands into
// typed marker inputs. It performs no I/O.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markersync/markersync/internal/edit"
	"github.com/markersync/markersync/internal/geo"
	"github.com/markersync/markersync/internal/markers"
	"github.com/markersync/markersync/pkg/core"
)

// ErrMissingArgument is returned when a required argument is absent.
var ErrMissingArgument = errors.New("missing argument")

// Parser provides pure []string -> input struct conversion.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new parser with only a logger dependency
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// trimQuotes strips one pair of surrounding double quotes.
func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func clean(args []string) []string {
	out := make([]string, len(args))
	for i, v := range args {
		out[i] = trimQuotes(strings.TrimSpace(v))
	}
	return out
}

// ParsePosition reads a position from either one "lat,lng" argument or two
// separate lat and lng arguments.
func (p *Parser) ParsePosition(args []string) (core.Position, error) {
	args = clean(args)
	switch len(args) {
	case 0:
		return core.Position{}, fmt.Errorf("position: %w", ErrMissingArgument)
	case 1:
		return parsePosition(args[0])
	default:
		return parsePosition(args[0] + "," + args[1])
	}
}

func parsePosition(s string) (core.Position, error) {
	pos, err := geo.ParsePosition(s)
	if errors.Is(err, geo.ErrInvalidCoordinates) {
		return core.Position{}, core.Validation("position", fmt.Sprintf("%q is not lat,lng", s))
	}
	return pos, err
}

// ParseVisibility reads "public" or "private", case-insensitively.
func (p *Parser) ParseVisibility(args []string) (core.Visibility, error) {
	args = clean(args)
	if len(args) == 0 || args[0] == "" {
		return "", fmt.Errorf("visibility: %w", ErrMissingArgument)
	}
	vis := core.Visibility(strings.ToLower(args[0]))
	if !vis.Valid() {
		return "", core.Validation("visibility", fmt.Sprintf("unknown value %q", args[0]))
	}
	return vis, nil
}

// ParseAdd reads [position, label, notes?, visibility?]. Visibility is left
// empty when absent so the service applies its default.
func (p *Parser) ParseAdd(args []string) (markers.AddInput, error) {
	args = clean(args)
	var in markers.AddInput
	if len(args) < 2 {
		return in, fmt.Errorf("add needs a position and a label: %w", ErrMissingArgument)
	}

	pos, err := parsePosition(args[0])
	if err != nil {
		return in, err
	}
	in.Position = pos
	in.Label = args[1]

	if len(args) > 2 {
		in.Notes = args[2]
	}
	if len(args) > 3 && args[3] != "" {
		vis, err := p.ParseVisibility(args[3:4])
		if err != nil {
			return in, err
		}
		in.Visibility = vis
	}
	if len(args) > 4 {
		p.logger.Debug("ignoring extra add arguments", "count", len(args)-4)
	}
	return in, nil
}

// ParseFieldEdits reads key=value pairs for label, notes and visibility.
// Values may contain '='. Unknown keys are a validation failure.
func (p *Parser) ParseFieldEdits(args []string) (edit.FieldEdits, error) {
	var f edit.FieldEdits
	for _, arg := range clean(args) {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return f, core.Validation("fields", fmt.Sprintf("%q is not key=value", arg))
		}
		value = trimQuotes(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "label":
			f.Label = &value
		case "notes":
			f.Notes = &value
		case "visibility":
			vis, err := p.ParseVisibility([]string{value})
			if err != nil {
				return f, err
			}
			f.Visibility = &vis
		default:
			return f, core.Validation("fields", fmt.Sprintf("unknown field %q", key))
		}
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// ParseKeyword joins the arguments into one search phrase.
func (p *Parser) ParseKeyword(args []string) string {
	return strings.Join(clean(args), " ")
}
