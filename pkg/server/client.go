package server

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/raft"
)

func requestKindLabel(kind raft.RequestKind) string {
	switch kind {
	case raft.RequestMutate:
		return "mutate"
	case raft.RequestQuery:
		return "query"
	case raft.RequestStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Submit hands req to the node's event loop and blocks until a
// ClientResponse is produced for it or ctx is cancelled. It is safe to call
// concurrently from multiple goroutines; each call gets its own correlation
// id and waits on its own channel.
func (s *Server) Submit(ctx context.Context, req raft.Request) (resp raft.Response, err error) {
	kind := requestKindLabel(req.Kind)
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ClientRequestDuration, kind)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ClientRequestsTotal.WithLabelValues(kind, outcome).Inc()
	}()

	id := uuid.NewString()
	reply := make(chan raft.Response, 1)

	s.mu.Lock()
	s.pending[id] = reply
	s.mu.Unlock()

	select {
	case s.clientCh <- clientRequest{id: id, req: req}:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return raft.Response{}, ctx.Err()
	case <-s.stopCh:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return raft.Response{}, errs.Abortf("server is stopped")
	}

	select {
	case resp := <-reply:
		if resp.Kind == raft.ResponseError {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return raft.Response{}, ctx.Err()
	case <-s.stopCh:
		return raft.Response{}, errs.Abortf("server is stopped")
	}
}

// Mutate is a convenience wrapper submitting a Mutate request carrying an
// already gob-encoded driver.Command.
func (s *Server) Mutate(ctx context.Context, command []byte) (raft.Response, error) {
	return s.Submit(ctx, raft.MutateRequest(command))
}

// Query is a convenience wrapper submitting a linearizable Query request
// carrying an already gob-encoded driver.Query.
func (s *Server) Query(ctx context.Context, command []byte) (raft.Response, error) {
	return s.Submit(ctx, raft.QueryRequest(command))
}

// Status reports this node's view of the cluster.
func (s *Server) Status(ctx context.Context) (raft.Status, error) {
	resp, err := s.Submit(ctx, raft.StatusRequest())
	if err != nil {
		return raft.Status{}, err
	}
	return resp.Status, nil
}
