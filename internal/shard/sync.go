package shard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dreamware/halo/internal/comm"
	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/storage"
)

// exchange is an outstanding BeginSync
type exchange struct {
	start time.Time
	sends []*comm.Request
	recvs map[int]*comm.Request
	sent  int
}

// Synchronize copies the value of every owned element that another rank
// holds as a ghost into that rank's ghost slot.
//
// This is a collective, blocking operation. Repeating it without changing
// owned values leaves every ghost unchanged.
func (s *Shard[T]) Synchronize(ctx context.Context) error {
	if s.pending != nil {
		return ErrSyncInProgress
	}
	p, err := s.current()
	if err != nil {
		return err
	}

	start := time.Now()
	es := s.arena.ElemSize()
	sendCounts, recvCounts := scale(p.SendCounts(), es), scale(p.RecvCounts(), es)
	sendDispls, recvDispls := pattern.Displs(sendCounts), pattern.Displs(recvCounts)

	sendBuf := make([]byte, 0, p.TotalSend()*es)
	for peer := 0; peer < p.Size(); peer++ {
		sendBuf = s.gather(sendBuf, p.SendList(peer))
	}
	recvBuf := make([]byte, p.TotalRecv()*es)

	if err := s.comm.AllToAllV(ctx, sendBuf, sendCounts, sendDispls, recvBuf, recvCounts, recvDispls); err != nil {
		return fmt.Errorf("synchronize: %w", err)
	}
	for peer := 0; peer < p.Size(); peer++ {
		s.scatter(recvBuf[recvDispls[peer]:recvDispls[peer]+recvCounts[peer]], p.RecvList(peer))
	}

	s.record(start, len(sendBuf), len(recvBuf))
	return nil
}

// BeginSync posts the receives and sends of a halo exchange and returns
// without waiting for them. Owned values are captured when BeginSync is
// called. Ghost values are undefined until EndSync returns.
func (s *Shard[T]) BeginSync(ctx context.Context) error {
	if s.pending != nil {
		return ErrSyncInProgress
	}
	p, err := s.current()
	if err != nil {
		return err
	}

	ex := &exchange{start: time.Now(), recvs: make(map[int]*comm.Request)}
	for peer := 0; peer < p.Size(); peer++ {
		if len(p.RecvList(peer)) > 0 {
			ex.recvs[peer] = s.comm.Irecv(ctx, peer, comm.TagSync)
		}
	}
	for peer := 0; peer < p.Size(); peer++ {
		list := p.SendList(peer)
		if len(list) == 0 {
			continue
		}
		buf := s.gather(make([]byte, 0, len(list)*s.arena.ElemSize()), list)
		ex.sends = append(ex.sends, s.comm.Isend(ctx, peer, comm.TagSync, buf))
		ex.sent += len(buf)
	}

	s.pending = ex
	return nil
}

// EndSync waits for the exchange started by BeginSync and fills the ghosts
func (s *Shard[T]) EndSync() error {
	ex := s.pending
	if ex == nil {
		return ErrSyncNotStarted
	}
	s.pending = nil
	p := s.pattern
	es := s.arena.ElemSize()

	received := 0
	var recvErr error
	for peer := 0; peer < p.Size(); peer++ {
		req, ok := ex.recvs[peer]
		if !ok {
			continue
		}
		data, err := req.Wait()
		if err != nil {
			recvErr = fmt.Errorf("end sync: receive from %d: %w", peer, err)
			continue
		}
		list := p.RecvList(peer)
		if len(data) != len(list)*es {
			recvErr = fmt.Errorf("end sync: %w: rank %d sent %d bytes, expected %d",
				comm.ErrCountMismatch, peer, len(data), len(list)*es)
			continue
		}
		s.scatter(data, list)
		received += len(data)
	}

	if err := comm.WaitAll(ex.sends...); err != nil && recvErr == nil {
		recvErr = fmt.Errorf("end sync: %w", err)
	}
	if recvErr != nil {
		return recvErr
	}
	s.record(ex.start, ex.sent, received)
	return nil
}

func (s *Shard[T]) gather(buf []byte, list []storage.LocalIndex) []byte {
	for _, idx := range list {
		buf = append(buf, s.arena.Slot(idx)...)
	}
	return buf
}

func (s *Shard[T]) scatter(buf []byte, list []storage.LocalIndex) {
	es := s.arena.ElemSize()
	for i, idx := range list {
		copy(s.arena.Slot(idx), buf[i*es:(i+1)*es])
	}
}

func (s *Shard[T]) record(start time.Time, sent, received int) {
	atomic.AddUint64(&s.Stats.Sync.Syncs, 1)
	atomic.AddUint64(&s.Stats.Sync.BytesSent, uint64(sent))
	atomic.AddUint64(&s.Stats.Sync.BytesReceived, uint64(received))
	took := time.Since(start)
	s.observer.Synced(took, sent, received)
	s.logger.Trace().Int("sent", sent).Int("received", received).Dur("took", took).Msg("halo exchange done")
}

func scale(counts []int, by int) []int {
	out := make([]int, len(counts))
	for i, c := range counts {
		out[i] = c * by
	}
	return out
}
