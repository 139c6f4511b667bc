package tileset

import "slices"

// TileQueue is a FIFO LoadRequester. Tiles queued for the main thread wait
// in the queue until they are ContentLoaded.
type TileQueue struct {
	weight   float64
	worker   []*Tile
	main     []*Tile
	inWorker map[*Tile]int
}

func NewTileQueue(weight float64) *TileQueue {
	return &TileQueue{weight: weight, inWorker: make(map[*Tile]int)}
}

func (q *TileQueue) Weight() float64          { return q.weight }
func (q *TileQueue) SetWeight(weight float64) { q.weight = weight }

// EnqueueWorker queues tiles for content loading.
func (q *TileQueue) EnqueueWorker(tiles ...*Tile) {
	for _, t := range tiles {
		q.worker = append(q.worker, t)
		q.inWorker[t]++
	}
}

// EnqueueMain queues tiles for main-thread finishing.
func (q *TileQueue) EnqueueMain(tiles ...*Tile) {
	q.main = append(q.main, tiles...)
}

// Enqueue queues tiles for both stages, so that they end up Done.
func (q *TileQueue) Enqueue(tiles ...*Tile) {
	q.EnqueueWorker(tiles...)
	q.EnqueueMain(tiles...)
}

func (q *TileQueue) HasMoreTilesToLoadInWorkerThread() bool {
	return len(q.worker) > 0
}

func (q *TileQueue) NextTileToLoadInWorkerThread() *Tile {
	if len(q.worker) == 0 {
		return nil
	}
	t := q.worker[0]
	q.worker[0] = nil
	q.worker = q.worker[1:]
	if q.inWorker[t]--; q.inWorker[t] == 0 {
		delete(q.inWorker, t)
	}
	return t
}

// pruneMain drops tiles that can no longer become ContentLoaded.
func (q *TileQueue) pruneMain() {
	q.main = slices.DeleteFunc(q.main, func(t *Tile) bool {
		switch t.state {
		case ContentLoading, ContentLoaded:
			return false
		case Unloaded, FailedTemporarily:
			return q.inWorker[t] == 0
		}
		return true
	})
}

func (q *TileQueue) HasMoreTilesToLoadInMainThread() bool {
	q.pruneMain()
	return slices.ContainsFunc(q.main, func(t *Tile) bool { return t.state == ContentLoaded })
}

func (q *TileQueue) NextTileToLoadInMainThread() *Tile {
	q.pruneMain()
	i := slices.IndexFunc(q.main, func(t *Tile) bool { return t.state == ContentLoaded })
	if i < 0 {
		return nil
	}
	t := q.main[i]
	q.main = slices.Delete(q.main, i, i+1)
	return t
}

// IsEmpty reports whether no queued tile can still be handed out.
func (q *TileQueue) IsEmpty() bool {
	q.pruneMain()
	return len(q.worker) == 0 && len(q.main) == 0
}

// Len returns the number of queued tiles per stage.
func (q *TileQueue) Len() (worker, main int) {
	return len(q.worker), len(q.main)
}
