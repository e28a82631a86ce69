package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/markersync/markersync/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Positions are kept as WGS84 (EPSG:4326) everywhere. Web Mercator (EPSG:3857)
// is only produced for map tile consumers.

// DefaultCenter is where a map opens when there is nothing to frame.
var DefaultCenter = core.Position{Lat: 11.95, Lng: 108.45}

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ParsePosition parses a "lat,lng" string into a validated position.
func ParsePosition(coords string) (core.Position, error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) != 2 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	pos := core.Position{Lat: lat, Lng: lng}
	if err := pos.Validate(); err != nil {
		return core.Position{}, err
	}
	return pos, nil
}

// Format renders p with five decimals, the precision shown in marker popups.
func Format(p core.Position) string {
	return fmt.Sprintf("%.5f, %.5f", p.Lat, p.Lng)
}

// Point converts p into an EPSG:4326 point (X = longitude, Y = latitude).
func Point(p core.Position) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: p.Lng, Y: p.Lat},
		Type: geom.DimXY,
	})
}

// WKT renders p as well-known text.
func WKT(p core.Position) string {
	return Point(p).AsText()
}

// ToWebMercator projects p into EPSG:3857.
func ToWebMercator(p core.Position) geom.Point {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ := f(p.Lng, p.Lat, 0)
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Type: geom.DimXY,
	})
}

// Viewport is the rectangular map area between two corners. A viewport whose
// west edge lies east of its east edge crosses the antimeridian.
type Viewport struct {
	SouthWest core.Position
	NorthEast core.Position
}

// NewViewport validates both corners.
func NewViewport(sw, ne core.Position) (Viewport, error) {
	if err := sw.Validate(); err != nil {
		return Viewport{}, err
	}
	if err := ne.Validate(); err != nil {
		return Viewport{}, err
	}
	if sw.Lat > ne.Lat {
		return Viewport{}, core.Validation("viewport", "south edge is north of north edge")
	}
	return Viewport{SouthWest: sw, NorthEast: ne}, nil
}

// Around returns a viewport of the given half-size in degrees centred on p,
// clamped to valid latitudes and wrapped across the antimeridian.
func Around(p core.Position, halfDeg float64) Viewport {
	clampLat := func(v float64) float64 { return max(-90, min(90, v)) }
	wrapLng := func(v float64) float64 {
		for v > 180 {
			v -= 360
		}
		for v < -180 {
			v += 360
		}
		return v
	}
	return Viewport{
		SouthWest: core.Position{Lat: clampLat(p.Lat - halfDeg), Lng: wrapLng(p.Lng - halfDeg)},
		NorthEast: core.Position{Lat: clampLat(p.Lat + halfDeg), Lng: wrapLng(p.Lng + halfDeg)},
	}
}

// Contains reports whether p lies inside v, edges included.
func (v Viewport) Contains(p core.Position) bool {
	if p.Lat < v.SouthWest.Lat || p.Lat > v.NorthEast.Lat {
		return false
	}
	if v.SouthWest.Lng <= v.NorthEast.Lng {
		return p.Lng >= v.SouthWest.Lng && p.Lng <= v.NorthEast.Lng
	}
	return p.Lng >= v.SouthWest.Lng || p.Lng <= v.NorthEast.Lng
}

// Center returns the midpoint of v.
func (v Viewport) Center() core.Position {
	lng := (v.SouthWest.Lng + v.NorthEast.Lng) / 2
	if v.SouthWest.Lng > v.NorthEast.Lng {
		lng += 180
		if lng > 180 {
			lng -= 360
		}
	}
	return core.Position{Lat: (v.SouthWest.Lat + v.NorthEast.Lat) / 2, Lng: lng}
}

// Frame returns the smallest viewport holding every position, or a viewport
// around DefaultCenter when there are none.
func Frame(positions []core.Position) Viewport {
	if len(positions) == 0 {
		return Around(DefaultCenter, 0.5)
	}
	v := Viewport{SouthWest: positions[0], NorthEast: positions[0]}
	for _, p := range positions[1:] {
		v.SouthWest.Lat = min(v.SouthWest.Lat, p.Lat)
		v.SouthWest.Lng = min(v.SouthWest.Lng, p.Lng)
		v.NorthEast.Lat = max(v.NorthEast.Lat, p.Lat)
		v.NorthEast.Lng = max(v.NorthEast.Lng, p.Lng)
	}
	return v
}
