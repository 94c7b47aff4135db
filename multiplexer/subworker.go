package multiplexer

import "kmux/substream"

// subWorker adapts a running SubSource to the worker.Worker interface
// (Kill/Wait) so it can be tracked by a catacomb.Catacomb: killing the
// Multiplexer's catacomb forces every live SubSource down, and the
// catacomb's own Wait does not return until each one has actually exited.
type subWorker[Msg any] struct {
	sub *substream.SubSource[Msg]
}

func newSubWorker[Msg any](sub *substream.SubSource[Msg]) *subWorker[Msg] {
	return &subWorker[Msg]{sub: sub}
}

func (w *subWorker[Msg]) Kill() {
	w.sub.Shutdown()
}

func (w *subWorker[Msg]) Wait() error {
	<-w.sub.Done()
	return w.sub.Err()
}
