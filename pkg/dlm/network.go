package dlm

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/godlm/internal/dlm/directory"
	"github.com/marmos91/godlm/internal/dlm/dlmerrors"
	"github.com/marmos91/godlm/internal/dlm/dlmmetrics"
	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/message"
	"github.com/marmos91/godlm/internal/dlm/modes"
	"github.com/marmos91/godlm/internal/dlm/requestqueue"
	"github.com/marmos91/godlm/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// recoveryRoundTimeout bounds how long AwaitNodesValid and ExchangeNames
// wait for every surviving peer to acknowledge before giving up on a
// non-responsive one and letting recovery proceed anyway.
const recoveryRoundTimeout = 3 * time.Second

// newPrivateRegisterer gives a Lockspace created outside a daemon process
// (tests, embedding callers) its own metric registry instead of reaching
// for the global default one, so creating several lockspaces in the same
// process never collides on metric names.
func newPrivateRegisterer() prometheus.Registerer {
	return prometheus.NewRegistry()
}

// resolveMaster answers who masters resource: this node's own directory
// shard if it owns that shard, otherwise the node hosting the owning
// shard, asked over the wire. The second return is false if no node has
// ever mastered resource, in which case the caller becomes the first
// master.
//
// This implementation treats the directory shard index as equal to the
// node id that owns it (one shard per node) rather than running a
// separate shard-to-node mapping table, and a not-found lookup is resolved
// by the requester claiming mastery locally rather than by a cluster-wide
// mastery-announce round trip — both are deliberate simplifications of the
// full protocol, recorded in DESIGN.md.
func (ls *Lockspace) resolveMaster(ctx context.Context, resource string) (uint16, bool) {
	if ls.dir.Owns(resource) {
		return ls.dir.Lookup(resource)
	}

	shardNode := uint16(directory.ShardFor(resource, ls.dirShards))
	reply, err := ls.lookupRemote(ctx, resource, shardNode)
	if err != nil {
		logger.Warn("dlm: directory lookup failed, assuming unmastered",
			logger.Resource(resource), logger.NodeID(shardNode), logger.Err(err))
		return 0, false
	}
	if !reply.Found {
		return 0, false
	}
	return reply.Master, true
}

// lookupRemote sends a LOOKUP to target and waits for its LOOKUP_REPLY.
// Only one lookup per resource name may be outstanding at a time from this
// node; a second concurrent lookup for the same name replaces the first
// caller's wait channel; both callers' directory answers would still be
// correct, just not necessarily delivered to the same caller that sent the
// request — acceptable since a lookup is idempotent and side-effect free.
func (ls *Lockspace) lookupRemote(ctx context.Context, resource string, target uint16) (message.LookupReplyBody, error) {
	ch := make(chan message.LookupReplyBody, 1)
	ls.lookupMu.Lock()
	ls.lookupPending[resource] = ch
	ls.lookupMu.Unlock()
	defer func() {
		ls.lookupMu.Lock()
		if ls.lookupPending[resource] == ch {
			delete(ls.lookupPending, resource)
		}
		ls.lookupMu.Unlock()
	}()

	h := message.Header{Command: message.CmdLookup, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	body := message.LookupBody{Resource: resource}.Encode()
	if err := ls.transport.Send(ctx, target, h, body); err != nil {
		return message.LookupReplyBody{}, fmt.Errorf("dlm: send lookup to node %d: %w", target, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return message.LookupReplyBody{}, ctx.Err()
	}
}

// remoteRequest forwards a REQUEST or CONVERT to targetNode and blocks for
// its reply, returning the full ReplyBody so callers can read back the
// master-assigned lock id, the resource's LVB, and the sb_flags (DEMOTED/
// VALNOTVALID/ALTMODE) the grant carried. For a CONVERT, id is the lock's
// real id, already known to both sides, and doubles as the correlation
// token; for a REQUEST no real id exists yet, so a locally-minted token
// (tagged with this node's own id, never a valid master-assigned id) is
// used instead and discarded once the real id arrives in the reply.
func (ls *Lockspace) remoteRequest(ctx context.Context, cmd message.Command, owner, resource string, id lkb.ID, m modes.Mode, rng lkb.Range, flags lkb.Flags, lvb []byte, targetNode uint16) (message.ReplyBody, error) {
	corr := id
	if corr == 0 {
		corr = lkb.NewID(ls.nodeID, ls.reqSeq.Add(1))
	}

	ch := make(chan message.ReplyBody, 1)
	ls.mu.Lock()
	ls.pending[corr] = ch
	ls.mu.Unlock()
	defer func() {
		ls.mu.Lock()
		delete(ls.pending, corr)
		ls.mu.Unlock()
	}()

	body := message.RequestBody{
		Resource: resource,
		Owner:    owner,
		LKBID:    corr,
		Mode:     m,
		Offset:   rng.Offset,
		Length:   rng.Length,
		Flags:    message.FlagsToByte(flags),
		LVB:      lvb,
	}.Encode()
	h := message.Header{Command: cmd, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	if err := ls.transport.Send(ctx, targetNode, h, body); err != nil {
		return message.ReplyBody{}, fmt.Errorf("dlm: send %s to node %d: %w", cmd, targetNode, err)
	}

	select {
	case reply := <-ch:
		if reply.Status != 0 {
			return reply, dlmerrors.New(dlmerrors.Code(reply.Status), resource, reply.Message)
		}
		return reply, nil
	case <-ctx.Done():
		return message.ReplyBody{}, ctx.Err()
	}
}

// remoteUnlock forwards an UNLOCK or CANCEL for id, already mastered by
// id.NodeID(), and blocks for its reply.
func (ls *Lockspace) remoteUnlock(ctx context.Context, cmd message.Command, resource string, id lkb.ID) error {
	ch := make(chan message.ReplyBody, 1)
	ls.mu.Lock()
	ls.pending[id] = ch
	ls.mu.Unlock()
	defer func() {
		ls.mu.Lock()
		delete(ls.pending, id)
		ls.mu.Unlock()
	}()

	body := message.UnlockBody{Resource: resource, LKBID: id}.Encode()
	h := message.Header{Command: cmd, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	if err := ls.transport.Send(ctx, id.NodeID(), h, body); err != nil {
		return fmt.Errorf("dlm: send %s to node %d: %w", cmd, id.NodeID(), err)
	}

	select {
	case reply := <-ch:
		if reply.Status != 0 {
			return dlmerrors.New(dlmerrors.Code(reply.Status), resource, reply.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFrame dispatches one inbound frame to the handler for its command.
// It is the Lockspace's dlmnet.Handler, invoked from the transport's read
// loop for every peer connection.
func (ls *Lockspace) handleFrame(frame message.Frame) {
	switch frame.Header.Command {
	case message.CmdRequest, message.CmdConvert, message.CmdUnlock, message.CmdCancel:
		if ls.coord.InRecovery() {
			ls.enqueueDuringRecovery(frame)
			return
		}
		ls.serveLockOp(frame)
	case message.CmdReply, message.CmdGrant, message.CmdBast:
		ls.serveReply(frame)
	case message.CmdLookup:
		ls.serveLookup(frame)
	case message.CmdLookupReply:
		ls.serveLookupReply(frame)
	case message.CmdRemove:
		ls.serveRemove(frame)
	case message.CmdRecoverStatus:
		ls.serveRecoverStatus(frame)
	case message.CmdRecoverNames:
		ls.serveRecoverNames(frame)
	case message.CmdRecoverDone:
		ls.serveRecoverDone(frame)
	default:
		logger.Warn("dlm: unhandled frame command", logger.Command(frame.Header.Command.String()), logger.NodeID(uint16(frame.Header.SourceNode)))
	}
}

// serveLockOp dispatches a REQUEST/CONVERT/UNLOCK/CANCEL frame once it is
// safe to serve immediately (no recovery in progress). Split out of
// handleFrame so enqueueDuringRecovery's Replay closure can call back into
// exactly this step once recovery finishes, without re-checking InRecovery
// and potentially re-queuing a frame that is already being replayed.
func (ls *Lockspace) serveLockOp(frame message.Frame) {
	switch frame.Header.Command {
	case message.CmdRequest:
		ls.serveRemoteRequest(frame)
	case message.CmdConvert:
		ls.serveRemoteConvert(frame)
	case message.CmdUnlock:
		ls.serveRemoteUnlock(frame)
	case message.CmdCancel:
		ls.serveRemoteCancel(frame)
	}
}

// enqueueDuringRecovery buffers an inbound lock-op frame that arrived while
// this node's own recovery coordinator is mid-phase, rather than serving it
// against engine state whose mastership may be about to move. Buffered
// frames replay via serveLockOp once handleFinish drains the queue; if the
// queue is full or the request queue decides the frame can never be served
// (its target resource's prior master departed), the caller is told
// immediately instead of waiting out the recovery.
func (ls *Lockspace) enqueueDuringRecovery(frame message.Frame) {
	resource, err := frameResource(frame)
	if err != nil {
		logger.Warn("dlm: cannot queue malformed frame during recovery", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	var corr lkb.ID
	switch frame.Header.Command {
	case message.CmdRequest, message.CmdConvert:
		if b, err := message.DecodeRequestBody(frame.Body); err == nil {
			corr = b.LKBID
		}
	case message.CmdUnlock, message.CmdCancel:
		if b, err := message.DecodeUnlockBody(frame.Body); err == nil {
			corr = b.LKBID
		}
	}
	req := &requestqueue.Request{
		Resource: resource,
		Replay:   func() { ls.serveLockOp(frame) },
		Fail: func() {
			ls.replyTo(context.Background(), source, message.ReplyBody{
				Correlation: corr,
				Status:      replyStatus(dlmerrors.NewNoMaster(resource)),
				Message:     "resource mastership changed during recovery",
			})
		},
	}
	if err := ls.reqQueue.Enqueue(req); err != nil {
		logger.Warn("dlm: request queue full during recovery", logger.Resource(resource), logger.Err(err))
		req.Fail()
	}
}

// frameResource extracts the resource name a lock-op frame addresses,
// without fully decoding fields enqueueDuringRecovery doesn't need.
func frameResource(frame message.Frame) (string, error) {
	switch frame.Header.Command {
	case message.CmdRequest, message.CmdConvert:
		body, err := message.DecodeRequestBody(frame.Body)
		return body.Resource, err
	case message.CmdUnlock, message.CmdCancel:
		body, err := message.DecodeUnlockBody(frame.Body)
		return body.Resource, err
	default:
		return "", fmt.Errorf("message: no resource for command %s", frame.Header.Command)
	}
}

func (ls *Lockspace) replyTo(ctx context.Context, target uint16, r message.ReplyBody) {
	h := message.Header{Command: message.CmdReply, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	if err := ls.transport.Send(ctx, target, h, r.Encode()); err != nil {
		logger.Warn("dlm: send reply failed", logger.NodeID(target), logger.Err(err))
	}
}

func (ls *Lockspace) serveRemoteRequest(frame message.Frame) {
	req, err := message.DecodeRequestBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed request body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	ctx := context.Background()

	ls.waiterTbl.Add(req.Resource, req.LKBID, source)
	defer ls.waiterTbl.Remove(req.Resource, req.LKBID)

	ls.dir.Assign(req.Resource, ls.nodeID)
	id, err := ls.engine.Request(req.Owner, req.Resource, req.Mode, lkb.Range{Offset: req.Offset, Length: req.Length}, message.ByteToFlags(req.Flags), req.LVB, ls.remoteCallback(source, req.LKBID, req.Resource))
	ls.recordRequestMetric(req.Mode, err)

	reply := message.ReplyBody{Correlation: req.LKBID, LKBID: id}
	if err != nil {
		reply.Status = replyStatus(err)
		reply.Message = err.Error()
	}
	ls.replyTo(ctx, source, reply)
}

func (ls *Lockspace) serveRemoteConvert(frame message.Frame) {
	req, err := message.DecodeRequestBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed convert body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	ctx := context.Background()

	ls.waiterTbl.Add(req.Resource, req.LKBID, source)
	defer ls.waiterTbl.Remove(req.Resource, req.LKBID)

	err = ls.engine.Convert(req.Resource, req.LKBID, req.Mode, message.ByteToFlags(req.Flags), req.LVB)
	ls.recordConversionMetric(req.Mode, err)

	reply := message.ReplyBody{Correlation: req.LKBID, LKBID: req.LKBID}
	if err != nil {
		reply.Status = replyStatus(err)
		reply.Message = err.Error()
	}
	ls.replyTo(ctx, source, reply)
}

func (ls *Lockspace) serveRemoteUnlock(frame message.Frame) {
	req, err := message.DecodeUnlockBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed unlock body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	ctx := context.Background()

	ls.waiterTbl.Add(req.Resource, req.LKBID, source)
	defer ls.waiterTbl.Remove(req.Resource, req.LKBID)

	destroyed, err := ls.engine.Unlock(req.Resource, req.LKBID)
	if err == nil {
		ls.metrics.Unlocks.Inc()
		if destroyed {
			ls.announceRemove(req.Resource)
		}
	}
	reply := message.ReplyBody{Correlation: req.LKBID, LKBID: req.LKBID}
	if err != nil {
		reply.Status = replyStatus(err)
		reply.Message = err.Error()
	}
	ls.replyTo(ctx, source, reply)
}

func (ls *Lockspace) serveRemoteCancel(frame message.Frame) {
	req, err := message.DecodeUnlockBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed cancel body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	ctx := context.Background()

	ls.waiterTbl.Add(req.Resource, req.LKBID, source)
	defer ls.waiterTbl.Remove(req.Resource, req.LKBID)

	err = ls.engine.Cancel(req.Resource, req.LKBID)
	result := dlmmetrics.ResultCancelled
	if err != nil {
		result = dlmmetrics.ResultDenied
	}
	ls.metrics.Cancels.WithLabelValues(result).Inc()

	reply := message.ReplyBody{Correlation: req.LKBID, LKBID: req.LKBID}
	if err != nil {
		reply.Status = replyStatus(err)
		reply.Message = err.Error()
	}
	ls.replyTo(ctx, source, reply)
}

// serveReply delivers a REPLY, GRANT, or BAST to whichever local caller is
// still synchronously waiting on the matching correlation token in
// ls.pending. A GRANT or BAST that arrives after that caller's remoteRequest
// call has already returned has nowhere to go and is dropped: this
// implementation does not keep a long-lived subscription for a remote
// lock's later completion once the call that created it has returned,
// unlike a fully wired kernel DLM client. Recorded as a scope limitation in
// DESIGN.md.
func (ls *Lockspace) serveReply(frame message.Frame) {
	reply, err := message.DecodeReplyBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed reply body", logger.Err(err))
		return
	}
	ls.mu.Lock()
	ch, ok := ls.pending[reply.Correlation]
	ls.mu.Unlock()
	if !ok {
		logger.Debug("dlm: dropping reply/ast with no waiting caller", logger.LKBID(reply.Correlation.String()))
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (ls *Lockspace) serveLookup(frame message.Frame) {
	req, err := message.DecodeLookupBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed lookup body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	master, found := ls.dir.Lookup(req.Resource)

	h := message.Header{Command: message.CmdLookupReply, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	body := message.LookupReplyBody{Resource: req.Resource, Master: master, Found: found}.Encode()
	if err := ls.transport.Send(context.Background(), source, h, body); err != nil {
		logger.Warn("dlm: send lookup reply failed", logger.NodeID(source), logger.Err(err))
	}
}

func (ls *Lockspace) serveLookupReply(frame message.Frame) {
	reply, err := message.DecodeLookupReplyBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed lookup reply body", logger.Err(err))
		return
	}
	ls.lookupMu.Lock()
	ch, ok := ls.lookupPending[reply.Resource]
	ls.lookupMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// remoteCallback adapts a remotely-requested lock's ASTs into GRANT/BAST
// frames sent back to the requesting node, tagged with corr — the
// requester's original correlation token — so serveReply can match it
// against a still-waiting caller. It is installed as the LKB's callback for
// the life of the lock, so it also carries later conversions' completion
// and blocking ASTs, not just the initial request's.
func (ls *Lockspace) remoteCallback(target uint16, corr lkb.ID, resource string) func(a lkb.AST) {
	return func(a lkb.AST) {
		cmd := message.CmdBast
		if a.Completion {
			cmd = message.CmdGrant
		}
		h := message.Header{Command: cmd, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
		body := message.ReplyBody{Correlation: corr, LKBID: a.LKBID, Message: resource, LVB: a.LVB}
		if a.Status != nil {
			body.Status = replyStatus(a.Status.Err)
			body.Message = a.Status.Err.Error()
		}
		if a.Demoted {
			body.SBFlags |= message.SBDemoted
		}
		if a.ValNotValid {
			body.SBFlags |= message.SBValNotValid
		}
		if a.AltMode {
			body.SBFlags |= message.SBAltMode
		}
		if err := ls.transport.Send(context.Background(), target, h, body.Encode()); err != nil {
			logger.Warn("dlm: send remote ast failed", logger.NodeID(target), logger.Err(err))
		}
	}
}

// replyStatus maps an engine error to the wire status byte. 0 is reserved
// for success; dlmerrors codes start at 1, so each is sent as its own value.
func replyStatus(err error) uint8 {
	if e, ok := err.(*dlmerrors.Error); ok {
		return uint8(e.Code)
	}
	return uint8(dlmerrors.ErrTransport)
}

// serveRemove handles an unsolicited REMOVE: the sender's last lock on
// Resource was released and its RSB freed, so the directory entry pointing
// at it is stale. A REMOVE naming a master this shard's directory no
// longer agrees with is dropped rather than applied — it arrived after a
// newer Assign already superseded it.
func (ls *Lockspace) serveRemove(frame message.Frame) {
	req, err := message.DecodeRemoveBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed remove body", logger.Err(err))
		return
	}
	if !ls.dir.Owns(req.Resource) {
		return
	}
	if master, ok := ls.dir.Lookup(req.Resource); ok && master != req.Master {
		return
	}
	ls.dir.Remove(req.Resource)
}

// announceRemove tells the directory that resource no longer has a master:
// locally if this node's own shard owns it, or over the wire to whichever
// node does. Called whenever an Unlock or the toss-list scan leaves a
// locally-mastered resource with no remaining LKBs.
func (ls *Lockspace) announceRemove(resource string) {
	ls.dir.Remove(resource)
	if ls.dir.Owns(resource) {
		return
	}
	shardNode := uint16(directory.ShardFor(resource, ls.dirShards))
	h := message.Header{Command: message.CmdRemove, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	body := message.RemoveBody{Resource: resource, Master: ls.nodeID}.Encode()
	if err := ls.transport.Send(context.Background(), shardNode, h, body); err != nil {
		logger.Warn("dlm: send remove failed", logger.Resource(resource), logger.NodeID(shardNode), logger.Err(err))
	}
}

// AwaitNodesValid implements recovery.Recoverer's first START-phase step:
// it announces this node's arrival at eventID to every other surviving
// member and waits, up to recoveryRoundTimeout, for each to acknowledge —
// giving every node a chance to suspend its own dispatcher before the
// directory rebuild begins. serveRecoverStatus answers the same message
// from a peer symmetrically, so whichever of the two calls this node's
// recovery coordinator makes first, the round converges. A peer that never
// acknowledges is not retried; recovery proceeds without it rather than
// stalling on one unresponsive node.
func (ls *Lockspace) AwaitNodesValid(eventID uint64, members []int) {
	peers := ls.peerMembers(members)
	if len(peers) == 0 {
		return
	}
	ls.recoverMu.Lock()
	if ls.recoverStatus == nil {
		ls.recoverStatus = make(map[uint64]map[uint16]bool)
	}
	ls.recoverStatus[eventID] = make(map[uint16]bool)
	ls.recoverMu.Unlock()

	h := message.Header{Command: message.CmdRecoverStatus, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	body := message.StatusBody{EventID: eventID}.Encode()
	for _, p := range peers {
		if err := ls.transport.Send(context.Background(), p, h, body); err != nil {
			logger.Warn("dlm: send recover status failed", logger.NodeID(p), logger.Err(err))
		}
	}

	deadline := time.Now().Add(recoveryRoundTimeout)
	for time.Now().Before(deadline) && !ls.statusRoundComplete(eventID, peers) {
		time.Sleep(25 * time.Millisecond)
	}

	ls.recoverMu.Lock()
	delete(ls.recoverStatus, eventID)
	ls.recoverMu.Unlock()
}

func (ls *Lockspace) serveRecoverStatus(frame message.Frame) {
	body, err := message.DecodeStatusBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed recover status body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)

	ls.recoverMu.Lock()
	if ls.recoverStatus == nil {
		ls.recoverStatus = make(map[uint64]map[uint16]bool)
	}
	seen, ok := ls.recoverStatus[body.EventID]
	if !ok {
		seen = make(map[uint16]bool)
		ls.recoverStatus[body.EventID] = seen
	}
	alreadyAcked := seen[source]
	seen[source] = true
	ls.recoverMu.Unlock()

	if alreadyAcked {
		return
	}
	h := message.Header{Command: message.CmdRecoverStatus, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	reply := message.StatusBody{EventID: body.EventID}.Encode()
	if err := ls.transport.Send(context.Background(), source, h, reply); err != nil {
		logger.Warn("dlm: send recover status ack failed", logger.NodeID(source), logger.Err(err))
	}
}

func (ls *Lockspace) statusRoundComplete(eventID uint64, peers []uint16) bool {
	ls.recoverMu.Lock()
	defer ls.recoverMu.Unlock()
	seen := ls.recoverStatus[eventID]
	for _, p := range peers {
		if !seen[p] {
			return false
		}
	}
	return true
}

// ExchangeNames implements recovery.Recoverer's cross-node directory
// rebuild: it broadcasts every resource name this node masters to each
// surviving peer, and waits, up to recoveryRoundTimeout, for each to
// acknowledge with RECOVER_DONE. serveRecoverNames does the receiving half
// on every peer: for each announced name that falls in its own directory
// shard, it assigns that name to the announcing node.
func (ls *Lockspace) ExchangeNames(eventID uint64, members []int) {
	peers := ls.peerMembers(members)
	if len(peers) == 0 {
		return
	}
	ls.recoverMu.Lock()
	if ls.recoverNames == nil {
		ls.recoverNames = make(map[uint64]map[uint16]bool)
	}
	ls.recoverNames[eventID] = make(map[uint16]bool)
	ls.recoverMu.Unlock()

	h := message.Header{Command: message.CmdRecoverNames, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	body := message.NamesBody{EventID: eventID, Names: ls.engine.ResourceNames()}.Encode()
	for _, p := range peers {
		if err := ls.transport.Send(context.Background(), p, h, body); err != nil {
			logger.Warn("dlm: send recover names failed", logger.NodeID(p), logger.Err(err))
		}
	}

	deadline := time.Now().Add(recoveryRoundTimeout)
	for time.Now().Before(deadline) && !ls.namesRoundComplete(eventID, peers) {
		time.Sleep(25 * time.Millisecond)
	}

	ls.recoverMu.Lock()
	delete(ls.recoverNames, eventID)
	ls.recoverMu.Unlock()
}

func (ls *Lockspace) serveRecoverNames(frame message.Frame) {
	body, err := message.DecodeNamesBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed recover names body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	for _, name := range body.Names {
		if ls.dir.Owns(name) {
			ls.dir.Assign(name, source)
		}
	}

	h := message.Header{Command: message.CmdRecoverDone, Lockspace: ls.lockspaceID, Epoch: ls.epoch.Load()}
	reply := message.NamesDoneBody{EventID: body.EventID}.Encode()
	if err := ls.transport.Send(context.Background(), source, h, reply); err != nil {
		logger.Warn("dlm: send recover names ack failed", logger.NodeID(source), logger.Err(err))
	}
}

func (ls *Lockspace) serveRecoverDone(frame message.Frame) {
	body, err := message.DecodeNamesDoneBody(frame.Body)
	if err != nil {
		logger.Warn("dlm: malformed recover done body", logger.Err(err))
		return
	}
	source := uint16(frame.Header.SourceNode)
	ls.recoverMu.Lock()
	if ls.recoverNames == nil {
		ls.recoverNames = make(map[uint64]map[uint16]bool)
	}
	seen, ok := ls.recoverNames[body.EventID]
	if !ok {
		seen = make(map[uint16]bool)
		ls.recoverNames[body.EventID] = seen
	}
	seen[source] = true
	ls.recoverMu.Unlock()
}

func (ls *Lockspace) namesRoundComplete(eventID uint64, peers []uint16) bool {
	ls.recoverMu.Lock()
	defer ls.recoverMu.Unlock()
	seen := ls.recoverNames[eventID]
	for _, p := range peers {
		if !seen[p] {
			return false
		}
	}
	return true
}

func (ls *Lockspace) peerMembers(members []int) []uint16 {
	out := make([]uint16, 0, len(members))
	for _, m := range members {
		if uint16(m) == ls.nodeID {
			continue
		}
		out = append(out, uint16(m))
	}
	return out
}

// ResendAndRecoverLVB implements recovery.Recoverer's final START-phase
// step. For every lock this node holds whose tracked master just departed,
// it looks up the resource's new master (claiming mastery itself if the
// directory has no answer) and resends the request, preserving its mode,
// range and flags; the resend mints a new master-assigned id; a caller
// still tracking the old id across this transition is a known scope
// limitation shared with serveReply's single-completion subscription
// model, recorded in DESIGN.md.
//
// It then walks every resource this node masters and marks its LVB
// ValNotValid unless some held lock's granted mode still carries it
// (PW/EX): the kernel DLM only considers an LVB trustworthy across a
// membership change if a lock strong enough to have written it survived
// the change, and this node has no record of what the departed nodes held.
func (ls *Lockspace) ResendAndRecoverLVB(departed []uint16) {
	if len(departed) == 0 {
		return
	}
	dead := make(map[uint16]bool, len(departed))
	for _, n := range departed {
		dead[n] = true
	}

	ls.remoteMu.Lock()
	var stale []lkb.ID
	for id, rl := range ls.remoteLocks {
		if dead[rl.Master] {
			stale = append(stale, id)
		}
	}
	ls.remoteMu.Unlock()

	for _, id := range stale {
		ls.remoteMu.Lock()
		rl, ok := ls.remoteLocks[id]
		delete(ls.remoteLocks, id)
		ls.remoteMu.Unlock()
		if !ok {
			continue
		}
		ls.resendRemoteLock(rl)
	}

	for _, name := range ls.engine.ResourceNames() {
		r := ls.engine.Resource(name)
		if r == nil {
			continue
		}
		r.Lock()
		if !modes.CarriesLVB(r.MaxGrantedMode()) {
			r.ValNotValid = true
		}
		r.Unlock()
	}
}

func (ls *Lockspace) resendRemoteLock(rl remoteLock) {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryRoundTimeout)
	defer cancel()

	master, known := ls.resolveMaster(ctx, rl.Resource)
	if !known || master == ls.nodeID {
		ls.dir.Assign(rl.Resource, ls.nodeID)
		if _, err := ls.engine.Request(rl.Owner, rl.Resource, rl.Mode, rl.Range, rl.Flags, nil, nil); err != nil {
			logger.Warn("dlm: local re-request after master departure failed",
				logger.Resource(rl.Resource), logger.Err(err))
		}
		return
	}
	reply, err := ls.remoteRequest(ctx, message.CmdRequest, rl.Owner, rl.Resource, 0, rl.Mode, rl.Range, rl.Flags, nil, master)
	if err != nil {
		logger.Warn("dlm: resend after master departure failed",
			logger.Resource(rl.Resource), logger.NodeID(master), logger.Err(err))
		return
	}
	ls.trackRemoteLock(reply.LKBID, rl.Resource, rl.Owner, master, rl.Mode, rl.Range, rl.Flags)
	logger.Info("dlm: resent lock to new master after recovery",
		logger.Resource(rl.Resource), logger.LKBID(reply.LKBID.String()), logger.NodeID(master))
}

func (ls *Lockspace) trackRemoteLock(id lkb.ID, resource, owner string, master uint16, m modes.Mode, rng lkb.Range, flags lkb.Flags) {
	ls.remoteMu.Lock()
	ls.remoteLocks[id] = remoteLock{Resource: resource, Master: master, Owner: owner, Mode: m, Range: rng, Flags: flags}
	ls.remoteMu.Unlock()
}

func (ls *Lockspace) updateRemoteLockMode(id lkb.ID, m modes.Mode, flags lkb.Flags) {
	ls.remoteMu.Lock()
	defer ls.remoteMu.Unlock()
	rl, ok := ls.remoteLocks[id]
	if !ok {
		return
	}
	rl.Mode = m
	rl.Flags = flags
	ls.remoteLocks[id] = rl
}

func (ls *Lockspace) untrackRemoteLock(id lkb.ID) {
	ls.remoteMu.Lock()
	delete(ls.remoteLocks, id)
	ls.remoteMu.Unlock()
}
