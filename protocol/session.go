package protocol

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tos-network/attest/attestdb"
	"github.com/tos-network/attest/envelope"
	"github.com/tos-network/attest/log"
)

// MaxMessageDeficit caps outstanding unanswered requests this endpoint may
// have in flight before it stops issuing new ones, so a slow peer cannot
// make the in-flight table grow without bound.
const MaxMessageDeficit = 10

type responseRoute struct {
	code  ResponseCode
	reply chan AttestResponse
}

// Session is one authenticated, running connection. RunProtocol drives it
// until either side closes or a protocol error occurs.
type Session struct {
	id        uuid.UUID
	transport Transport
	db        *attestdb.DB
	role      Role

	mu         sync.Mutex
	seq        uint64
	deficit    int
	inFlight   map[uint64]responseRoute
}

// NewSession wraps an authenticated transport for RunProtocol. Each
// session gets a random id, not derived from the peer or the handshake,
// used only to correlate its log lines across the lifetime of the
// connection.
func NewSession(t Transport, db *attestdb.DB, role Role) *Session {
	return &Session{
		id:        uuid.New(),
		transport: t,
		db:        db,
		role:      role,
		inFlight:  make(map[uint64]responseRoute),
	}
}

// RunProtocol is the post-handshake message loop: it alternates between
// reading frames from the peer and, while under the backpressure deficit,
// draining outgoing requests from reqs. Either side exiting — peer
// disconnect, reqs channel closed, or a protocol error — ends the
// session.
func (s *Session) RunProtocol(ctx context.Context, reqs ProtocolReceiver) error {
	type peerMsg struct {
		text string
		ok   bool
		err  error
	}
	peerCh := make(chan peerMsg)
	go func() {
		for {
			text, ok, err := s.transport.Recv(ctx)
			peerCh <- peerMsg{text, ok, err}
			if !ok || err != nil {
				return
			}
		}
	}()

	for {
		s.mu.Lock()
		underBudget := s.deficit < MaxMessageDeficit
		s.mu.Unlock()

		var reqCh ProtocolReceiver
		if underBudget {
			reqCh = reqs
		}

		select {
		case m := <-peerCh:
			if m.err != nil {
				return newErr(ErrSocketClosed, m.err)
			}
			if !m.ok {
				log.Debug("protocol: peer disconnected", "session", s.id)
				return nil
			}
			if err := s.handleMessageFromPeer(ctx, m.text); err != nil {
				return err
			}
		case ir, open := <-reqCh:
			if !open {
				s.transport.Close()
				return nil
			}
			if err := s.handleInternalRequest(ctx, ir); err != nil {
				return err
			}
		case <-ctx.Done():
			s.transport.Close()
			return ctx.Err()
		}
	}
}

func (s *Session) handleInternalRequest(ctx context.Context, ir InternalRequest) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	code, err := ir.Request.ResponseCodeOf()
	if err != nil {
		s.mu.Unlock()
		return newErr(ErrJSON, err)
	}
	s.inFlight[seq] = responseRoute{code: code, reply: ir.Response}
	s.deficit++
	s.mu.Unlock()

	data, err := encodeRequest(seq, ir.Request)
	if err != nil {
		return newErr(ErrJSON, err)
	}
	if err := s.transport.Send(ctx, string(data)); err != nil {
		return newErr(ErrSocketClosed, err)
	}
	return nil
}

func (s *Session) handleMessageFromPeer(ctx context.Context, text string) error {
	frame, err := decodeFrame([]byte(text))
	if err != nil {
		return newErr(ErrJSON, err)
	}

	switch frame.Kind {
	case "request":
		return s.handleRequest(ctx, frame.Seq, *frame.Request)
	case "response":
		return s.handleResponse(frame.Seq, *frame.Response)
	default:
		return newErr(ErrIncorrectMessageType, nil)
	}
}

func (s *Session) handleResponse(seq uint64, resp AttestResponse) error {
	s.mu.Lock()
	s.deficit--
	route, ok := s.inFlight[seq]
	if ok {
		delete(s.inFlight, seq)
	}
	s.mu.Unlock()

	if !ok {
		return newErr(ErrUnrequestedResponse, nil)
	}
	code, err := resp.ResponseCodeOf()
	if err != nil {
		return newErr(ErrJSON, err)
	}
	if code != route.code {
		return newErr(ErrResponseTypeIncorrect, nil)
	}
	select {
	case route.reply <- resp:
	default:
		log.Trace("protocol: response dropped, requester no longer waiting", "session", s.id, "seq", seq)
	}
	return nil
}

func (s *Session) handleRequest(ctx context.Context, seq uint64, req AttestRequest) error {
	switch {
	case req.LatestTips != nil:
		return s.serveLatestTips(ctx, seq)
	case req.SpecificTips != nil:
		return s.serveSpecificTips(ctx, seq, req.SpecificTips.Tips)
	case req.Post != nil:
		return s.servePost(ctx, seq, req.Post.Envelopes)
	default:
		return newErr(ErrJSON, nil)
	}
}

func (s *Session) serveLatestTips(ctx context.Context, seq uint64) error {
	h, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	tips, err := h.GetTipsForAllUsers()
	if err != nil {
		h.Rollback()
		return err
	}
	h.Commit()

	data, err := encodeResponse(seq, AttestResponse{LatestTips: &LatestTipsResponse{Tips: tips}})
	if err != nil {
		return newErr(ErrJSON, err)
	}
	if err := s.transport.Send(ctx, string(data)); err != nil {
		return newErr(ErrSocketClosed, err)
	}
	return nil
}

func (s *Session) serveSpecificTips(ctx context.Context, seq uint64, hashes []envelope.Hash) error {
	sorted := sortDedupHashes(hashes)

	h, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	envs, err := h.MessagesByHash(sorted)
	if err != nil {
		h.Rollback()
		return err
	}
	h.Commit()

	data, err := encodeResponse(seq, AttestResponse{SpecificTips: &SpecificTipsResponse{Tips: envs}})
	if err != nil {
		return newErr(ErrJSON, err)
	}
	if err := s.transport.Send(ctx, string(data)); err != nil {
		return newErr(ErrSocketClosed, err)
	}
	return nil
}

func (s *Session) servePost(ctx context.Context, seq uint64, envs []envelope.Envelope) error {
	outcomes := make([]Outcome, 0, len(envs))

	h, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	for _, env := range envs {
		authentic, err := envelope.SelfAuthenticate(env)
		if err != nil {
			log.Debug("protocol: invalid envelope from peer", "session", s.id, "err", err)
			outcomes = append(outcomes, Outcome{Success: false})
			continue
		}
		if insertErr := insertPosted(h, authentic); insertErr != nil {
			log.Debug("protocol: insert failed", "session", s.id, "err", insertErr)
			outcomes = append(outcomes, Outcome{Success: false})
			continue
		}
		outcomes = append(outcomes, Outcome{Success: true})
	}
	h.Commit()

	data, err := encodeResponse(seq, AttestResponse{Post: &PostResponse{Outcomes: outcomes}})
	if err != nil {
		return newErr(ErrJSON, err)
	}
	if err := s.transport.Send(ctx, string(data)); err != nil {
		return newErr(ErrSocketClosed, err)
	}
	return nil
}

// insertPosted dispatches a Post request's envelope to the genesis or
// continuation insert path, matching the fetch package's and the HTTP
// compatibility layer's own handling of the two cases: a height-0
// envelope with no ancestors opens a new chain rather than being run
// through the non-genesis insertion path, which would otherwise reject
// every genesis with ConstraintCheck.
func insertPosted(h *attestdb.Handle, authentic envelope.Authentic) error {
	env := authentic.Inner()
	if env.Header.Ancestors == nil && env.Header.Height == 0 {
		_, err := h.InsertUserByGenesisEnvelope(autoNickname(env.Header.Key), authentic)
		return err
	}
	return h.TryInsertAuthenticatedEnvelope(authentic)
}

func autoNickname(key envelope.XOnlyPubKey) string {
	s := key.String()
	if len(s) > 12 {
		s = s[:12]
	}
	return "peer-" + s
}

// sortDedupHashes mirrors the responder's "sort-unstable + dedup" pass
// over a requested hash list before database lookup.
func sortDedupHashes(hashes []envelope.Hash) []envelope.Hash {
	seen := make(map[envelope.Hash]struct{}, len(hashes))
	out := make([]envelope.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
