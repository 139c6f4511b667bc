package tile

import (
	"errors"
	"iter"
)

var errStopped = errors.New("tile: iteration stopped")

// Tiles adapts a Visitor to a range loop. The returned function reports the
// error that ended the last iteration, or nil if the visit completed or the
// loop broke out early.
//
//	tiles, errf := tile.Tiles(r)
//	for id, data := range tiles {
//		...
//	}
//	if err := errf(); err != nil {
//		...
//	}
func Tiles(r Visitor) (iter.Seq2[ID, []byte], func() error) {
	return visit(r.VisitTiles)
}

// Locations is the LocationVisitor counterpart of Tiles.
func Locations(r LocationVisitor) (iter.Seq2[ID, Location], func() error) {
	return visit(r.VisitLocations)
}

func visit[V any](visitAll func(func(ID, V) error) error) (iter.Seq2[ID, V], func() error) {
	var err error
	seq := func(yield func(ID, V) bool) {
		err = visitAll(func(id ID, value V) error {
			if !yield(id, value) {
				return errStopped
			}
			return nil
		})
		if errors.Is(err, errStopped) {
			err = nil
		}
	}
	return seq, func() error { return err }
}
