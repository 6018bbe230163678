package gallery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Holder owns the active Gallery and replaces it as a unit on reload.
// Readers call Current and keep using the snapshot they got, even across a reload.
type Holder struct {
	current atomic.Pointer[Gallery]
	sources []Source
	logger  *slog.Logger

	reloadMu sync.Mutex // serializes reloads, never taken by readers
	onSwap   []func(*Gallery)
}

// NewHolder creates a Holder backed by sources, tried in order on each load.
// The holder starts with an empty gallery until Reload succeeds.
func NewHolder(logger *slog.Logger, sources ...Source) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{
		sources: sources,
		logger:  logger.With("component", "gallery"),
	}
	h.current.Store(Empty())
	return h
}

// Current returns the active gallery. It is never nil.
func (h *Holder) Current() *Gallery {
	return h.current.Load()
}

// OnSwap registers fn to run after every successful swap, with the new gallery.
// Hooks run under the reload lock, so they observe swaps in order.
func (h *Holder) OnSwap(fn func(*Gallery)) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.onSwap = append(h.onSwap, fn)
}

// Reload rebuilds the gallery from the sources and swaps it in.
// On failure the previous gallery stays active and the error wraps ErrUnavailable.
func (h *Holder) Reload(ctx context.Context) (*Gallery, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	g, source, err := Load(ctx, h.logger, h.sources...)
	if err != nil {
		h.logger.Error("gallery reload failed, keeping previous gallery",
			"entries", h.Current().Len(), "error", err)
		return nil, err
	}
	h.swapLocked(g)
	h.logger.Info("gallery swapped", "source", source, "entries", g.Len())
	return g, nil
}

// Set replaces the active gallery directly, e.g. after an enrollment run.
func (h *Holder) Set(g *Gallery) {
	if g == nil {
		g = Empty()
	}
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.swapLocked(g)
}

func (h *Holder) swapLocked(g *Gallery) {
	h.current.Store(g)
	for _, fn := range h.onSwap {
		fn(g)
	}
}
