package miner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// Found is a candidate nonce reported by the search kernel.
type Found struct {
	Nonce uint64
	Mix   common.Hash
}

// Pipeline drives the search kernel of one device over several streams so
// that a batch is always queued while the host reads the previous one.
type Pipeline struct {
	dev          gpu.Device
	streams      []gpu.Stream
	results      []*gpu.SearchResults
	grid         uint32
	block        uint32
	parallelHash uint32
}

// NewPipeline creates n streams and their pinned result buffers.
func NewPipeline(dev gpu.Device, n int, grid, block, parallelHash uint32) (*Pipeline, error) {
	if n <= 0 {
		return nil, fmt.Errorf("stream count must be positive, got %d", n)
	}
	p := &Pipeline{
		dev:          dev,
		grid:         grid,
		block:        block,
		parallelHash: parallelHash,
	}
	for i := 0; i < n; i++ {
		s, err := dev.CreateStream()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create stream %d: %w", i, err)
		}
		p.streams = append(p.streams, s)
		r, err := dev.AllocResults()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("allocate result buffer %d: %w", i, err)
		}
		p.results = append(p.results, r)
	}
	return p, nil
}

// BatchSize is the number of nonces per launch.
func (p *Pipeline) BatchSize() uint64 {
	return uint64(p.grid) * uint64(p.block)
}

// Streams returns the number of streams.
func (p *Pipeline) Streams() int {
	return len(p.streams)
}

// Close destroys the streams and result buffers.
func (p *Pipeline) Close() error {
	var firstErr error
	for _, s := range p.streams {
		if err := p.dev.DestroyStream(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range p.results {
		if err := p.dev.FreeResults(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.streams = nil
	p.results = nil
	return firstErr
}

// Search scans nonces from start for w until cancel is raised or ctx is
// done. cancel is cleared when observed. Every completed batch is reported to
// onBatch and every candidate to onFound. It returns the first nonce that was
// not searched.
func (p *Pipeline) Search(ctx context.Context, w mining.WorkPackage, start uint64, cancel *atomic.Bool,
	onFound func(Found), onBatch func(size uint64)) (uint64, error) {
	if err := p.dev.SetHeader(w.Header, w.Target()); err != nil {
		return start, fmt.Errorf("set header: %w", err)
	}

	batch := p.BatchSize()
	full := batch * uint64(len(p.streams))
	nonce := start
	for i, s := range p.streams {
		p.results[i].Count = 0
		if err := p.dev.Search(s, p.results[i], nonce, p.grid, p.block, p.parallelHash); err != nil {
			return start, fmt.Errorf("launch search: %w", err)
		}
		nonce += batch
	}

	done := false
	for !done {
		if cancel.CompareAndSwap(true, false) || ctx.Err() != nil {
			done = true
		}
		for i, s := range p.streams {
			if err := p.dev.Synchronize(s); err != nil {
				return nonce - full, fmt.Errorf("synchronize stream: %w", err)
			}
			r := *p.results[i]
			if r.Count > 0 {
				p.results[i].Count = 0
			}
			if !done {
				if err := p.dev.Search(s, p.results[i], nonce, p.grid, p.block, p.parallelHash); err != nil {
					return nonce - full, fmt.Errorf("launch search: %w", err)
				}
			}
			if r.Count > 0 {
				base := nonce - full
				n := min(r.Count, gpu.MaxSearchResults)
				for j := uint32(0); j < n; j++ {
					onFound(Found{
						Nonce: base + uint64(r.Results[j].Gid),
						Mix:   r.Results[j].MixHash(),
					})
				}
			}
			onBatch(batch)
			nonce += batch
		}
	}
	return nonce - full, nil
}
