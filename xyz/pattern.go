// Package xyz provides API for reading and writing tiles in XYZ directory format,
// where tiles are stored as individual files with paths like "/z/x/y.ext".
package xyz

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/eak1mov/go-tilestream/tile"
)

var (
	ErrInvalidPattern = errors.New("xyz: invalid file pattern")
	ErrInvalidTileID  = errors.New("xyz: invalid tile id")
)

// pattern is a file path template with {x}, {y} and {z} placeholders.
type pattern struct {
	raw     string
	rootDir string // longest directory prefix without placeholders
	re      *regexp.Regexp
	x, y, z int // subexpression indexes
}

func parsePattern(raw string) (*pattern, error) {
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if strings.Count(raw, p) != 1 {
			return nil, fmt.Errorf("%w: want exactly one %v in %q", ErrInvalidPattern, p, raw)
		}
	}

	// QuoteMeta leaves the braces of the placeholders escaped.
	expr := regexp.QuoteMeta(filepath.Clean(raw))
	expr = strings.Replace(expr, `\{x\}`, `(?P<x>\d+)`, 1)
	expr = strings.Replace(expr, `\{y\}`, `(?P<y>\d+)`, 1)
	expr = strings.Replace(expr, `\{z\}`, `(?P<z>\d+)`, 1)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}

	p := &pattern{
		raw: raw,
		re:  re,
		x:   re.SubexpIndex("x"),
		y:   re.SubexpIndex("y"),
		z:   re.SubexpIndex("z"),
	}
	p.rootDir = filepath.Dir(raw[:strings.IndexByte(raw, '{')] + "_")
	return p, nil
}

func (p *pattern) path(tileID tile.ID) string {
	return strings.NewReplacer(
		"{x}", strconv.FormatUint(uint64(tileID.X), 10),
		"{y}", strconv.FormatUint(uint64(tileID.Y), 10),
		"{z}", strconv.FormatUint(uint64(tileID.Z), 10),
	).Replace(p.raw)
}

// match parses a path produced by path. Paths of other files, including
// ones with out of range coordinates, do not match.
func (p *pattern) match(filePath string) (tile.ID, bool) {
	m := p.re.FindStringSubmatch(filepath.Clean(filePath))
	if m == nil {
		return tile.ID{}, false
	}
	var coords [3]uint32
	for i, index := range []int{p.x, p.y, p.z} {
		v, err := strconv.ParseUint(m[index], 10, 32)
		if err != nil {
			return tile.ID{}, false
		}
		coords[i] = uint32(v)
	}
	tileID := tile.ID{X: coords[0], Y: coords[1], Z: coords[2]}
	return tileID, tileID.Valid()
}
