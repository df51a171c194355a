package near

import (
	"context"
	"errors"
	"sync"

	"github.com/nodeforge/dkv/internal/affinity"
	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/nodeforge/dkv/internal/topology"
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoKeys is returned when Update is called with an empty batch.
var ErrNoKeys = errors.New("near: request has no keys")

// Dispatcher is the in-process entry point for a request whose primary
// happens to be this node — internal/backup.Coordinator.HandleNearUpdate,
// kept as an interface so this package doesn't import internal/backup
// (backup already imports internal/primary, and near has no need to sit
// above it in the dependency graph).
type Dispatcher interface {
	HandleNearUpdate(ctx context.Context, req *wire.NearUpdateRequest) (*wire.NearUpdateResponse, error)
}

// Config controls Coordinator's remap-retry policy.
type Config struct {
	// NodeID is this node's own id, compared against a key's resolved
	// primary to decide between the in-process Dispatcher path and a
	// remote transport.Send.
	NodeID string
	// MaxRemapAttempts bounds how many dispatch rounds Update will run
	// against a batch whose keys keep coming back remapped; zero means
	// the default of 8.
	MaxRemapAttempts int
}

// Coordinator implements the client/near update coordinator: split a
// batch by current primary ownership, dispatch one request per owning
// node, and fold terminal responses into a single result, re-dispatching
// any remapped keys against freshly read ownership until they resolve
// or the attempt budget is exhausted.
type Coordinator struct {
	nodeID           string
	maxRemapAttempts int

	// top is read fresh at the start of every dispatch round so a
	// remap retry sees the latest membership, not a stale snapshot
	// taken when Update was first called.
	top *topology.Topology
	// affinity resolves each key to its current primary, per round.
	affinity *affinity.Func
	// local handles any request whose primary resolves to this node,
	// in-process, with no transport round trip.
	local Dispatcher
	// transport carries every non-local group's sub-request out and
	// its response back.
	transport transport.Transport
	logger    zerolog.Logger
}

// New constructs a Coordinator.
//
// Parameters:
//   - cfg: NodeID identifies this node for the local-vs-remote dispatch
//     decision; MaxRemapAttempts bounds the remap retry loop.
//   - top: read fresh on every dispatch round.
//   - aff: resolves each key to its current primary partition/owner.
//   - local: handles any request whose primary resolves to this node;
//     everything else goes out over tp.
//   - tp: the transport used to reach every other node.
//   - logger: currently unused on the happy path; reserved for future
//     diagnostic logging around remap rounds.
//
// Returns: a Coordinator ready to accept Update calls.
func New(cfg Config, top *topology.Topology, aff *affinity.Func, local Dispatcher, tp transport.Transport, logger zerolog.Logger) *Coordinator {
	maxAttempts := cfg.MaxRemapAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Coordinator{
		nodeID:           cfg.NodeID,
		maxRemapAttempts: maxAttempts,
		top:              top,
		affinity:         aff,
		local:            local,
		transport:        tp,
		logger:           logger,
	}
}

// Request is the user-facing batch this coordinator splits and
// dispatches. FutureVersion is supplied by the caller (the cache facade
// owns the counter that demultiplexes responses).
type Request struct {
	// FutureVersion identifies this request for response
	// demultiplexing and futures registration; assigned by the caller,
	// monotonically increasing per node.
	FutureVersion uint64
	Operation     wire.Operation
	WriteSync     wire.WriteSyncMode
	AtomicOrder   wire.AtomicOrderMode
	// Keys is the full batch; split across primaries by groupByPrimary,
	// never sent as one request unless every key shares a primary.
	Keys []string
	// ValueBytes is parallel to Keys; nil/empty for operations that
	// don't carry a value (DELETE, TRANSFORM).
	ValueBytes [][]byte
	// TransformArgs is parallel to Keys, used only for OpTransform.
	TransformArgs [][]byte
	Filter        []byte
	TTLMillis     int64
	// ReturnValue is only legal when len(Keys) == 1; Update rejects it
	// otherwise, since a multi-key batch has no single value to return.
	ReturnValue bool
	// DRTTLMillis, DRExpireMillis, DRVersion carry cross-replication
	// metadata through, parallel to Keys; nil when this isn't a
	// disaster-recovery replay.
	DRTTLMillis    []int64
	DRExpireMillis []int64
	DRVersion      []wire.CacheVersion
}

// Result is the merged outcome of every primary group's terminal
// response.
type Result struct {
	// ReturnValue is set only for a single-key request with
	// ReturnValue requested; the last group to respond with a non-nil
	// value wins, though in practice exactly one group ever resolves a
	// single key.
	ReturnValue []byte
	// FailedKeys lists every key that did not end up applied: a
	// dispatch error, an explicit backup failure, or exhaustion of the
	// remap attempt budget. Parallel in content, not index, to Errors.
	FailedKeys []string
	// Errors carries one human-readable reason per entry in
	// FailedKeys, in the same order, plus a "backup replication
	// cancelled" reason with no matching key when a primary's FULL_SYNC
	// wait for backup acks ended early.
	Errors []string
}

// Update runs the full split/dispatch/remap algorithm against req.
//
// Parameters:
//   - ctx: governs every dispatch round; cancellation propagates to
//     in-flight local and remote sends via errgroup's derived context.
//   - req: the batch to split, dispatch, and merge.
//
// Returns:
//   - ErrNoKeys if req.Keys is empty.
//   - an error if req.ReturnValue is set alongside more than one key.
//   - otherwise a *Result reflecting every key's terminal outcome —
//     applied, failed, or (after exhausting the remap budget) failed
//     with "remap attempt limit exceeded".
//
// Thread safety: safe for concurrent calls with different or
// overlapping key sets; per-key serialization happens downstream, in
// the primary engine each dispatched request eventually reaches.
func (c *Coordinator) Update(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Keys) == 0 {
		return nil, ErrNoKeys
	}
	if req.ReturnValue && len(req.Keys) > 1 {
		return nil, errors.New("near: return_value is only legal for a single-key request")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.NearUpdateDuration, operationLabel(req.Operation))

	keyIndex := make(map[string]int, len(req.Keys))
	for i, k := range req.Keys {
		keyIndex[k] = i
	}

	result := &Result{}
	pending := req.Keys

	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt >= c.maxRemapAttempts {
			for _, k := range pending {
				result.FailedKeys = append(result.FailedKeys, k)
				result.Errors = append(result.Errors, "remap attempt limit exceeded")
			}
			break
		}

		groups := c.groupByPrimary(pending)
		remapped, err := c.dispatchRound(ctx, groups, req, keyIndex, result)
		if err != nil {
			return nil, err
		}
		pending = remapped
	}

	return result, nil
}

type keyGroup struct {
	node string
	keys []string
}

// groupByPrimary partitions keys by their current primary owner,
// reading the topology fresh each call so a remap round sees the
// latest ownership rather than the membership view the previous round
// dispatched against.
func (c *Coordinator) groupByPrimary(keys []string) []keyGroup {
	byNode := make(map[string][]string)
	order := make([]string, 0)
	for _, k := range keys {
		p := c.affinity.Partition(k)
		primaryID, _, err := c.affinity.Primary(p)
		if err != nil {
			primaryID = ""
		}
		if _, ok := byNode[primaryID]; !ok {
			order = append(order, primaryID)
		}
		byNode[primaryID] = append(byNode[primaryID], k)
	}
	groups := make([]keyGroup, 0, len(order))
	for _, node := range order {
		groups = append(groups, keyGroup{node: node, keys: byNode[node]})
	}
	return groups
}

// dispatchRound sends one request per group (locally or remotely),
// merges every response into result under a single mutex, and returns
// the keys the round's responses asked to be remapped.
func (c *Coordinator) dispatchRound(ctx context.Context, groups []keyGroup, req *Request, keyIndex map[string]int, result *Result) ([]string, error) {
	var mu sync.Mutex
	var remapKeys []string

	topoVer := c.top.Version()
	g, gctx := errgroup.WithContext(ctx)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			sub := buildSubRequest(req, group.keys, keyIndex, topoVer)

			var resp *wire.NearUpdateResponse
			var err error
			if group.node == c.nodeID {
				resp, err = c.local.HandleNearUpdate(gctx, sub)
			} else if group.node == "" {
				mu.Lock()
				for _, k := range group.keys {
					result.FailedKeys = append(result.FailedKeys, k)
					result.Errors = append(result.Errors, "no primary owns this key's partition")
				}
				mu.Unlock()
				return nil
			} else {
				resp, err = c.sendRemote(gctx, group.node, sub)
			}
			if err != nil {
				mu.Lock()
				for _, k := range group.keys {
					result.FailedKeys = append(result.FailedKeys, k)
					result.Errors = append(result.Errors, err.Error())
				}
				mu.Unlock()
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if resp.ReturnValue != nil {
				result.ReturnValue = resp.ReturnValue
			}
			result.FailedKeys = append(result.FailedKeys, resp.FailedKeys...)
			result.Errors = append(result.Errors, resp.Errors...)
			remapKeys = append(remapKeys, resp.RemapKeys...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(remapKeys) > 0 {
		metrics.RemapsTotal.Inc()
	}
	return remapKeys, nil
}

func (c *Coordinator) sendRemote(ctx context.Context, node string, req *wire.NearUpdateRequest) (*wire.NearUpdateResponse, error) {
	w := wire.NewWriter()
	req.Encode(w)

	respEnv, err := c.transport.Send(ctx, node, transport.Envelope{Kind: wire.KindNearUpdateRequest, Payload: w.Bytes()})
	if err != nil {
		return nil, err
	}
	return wire.DecodeNearUpdateResponse(wire.NewReader(respEnv.Payload))
}

func buildSubRequest(req *Request, keys []string, keyIndex map[string]int, topoVer uint64) *wire.NearUpdateRequest {
	sub := &wire.NearUpdateRequest{
		FutureVersion:   req.FutureVersion,
		TopologyVersion: topoVer,
		WriteSync:       req.WriteSync,
		AtomicOrder:     req.AtomicOrder,
		Operation:       req.Operation,
		Keys:            keys,
		TTLMillis:       req.TTLMillis,
		ReturnValue:     req.ReturnValue,
		Filter:          req.Filter,
	}
	if len(req.ValueBytes) > 0 {
		sub.ValueBytes = make([][]byte, len(keys))
	}
	if len(req.TransformArgs) > 0 {
		sub.TransformArgs = make([][]byte, len(keys))
	}
	if len(req.DRVersion) > 0 {
		sub.DRVersion = make([]wire.CacheVersion, len(keys))
	}
	if len(req.DRTTLMillis) > 0 {
		sub.DRTTLMillis = make([]int64, len(keys))
	}
	if len(req.DRExpireMillis) > 0 {
		sub.DRExpireMillis = make([]int64, len(keys))
	}
	for i, k := range keys {
		idx, ok := keyIndex[k]
		if !ok {
			continue
		}
		if sub.ValueBytes != nil && idx < len(req.ValueBytes) {
			sub.ValueBytes[i] = req.ValueBytes[idx]
		}
		if sub.TransformArgs != nil && idx < len(req.TransformArgs) {
			sub.TransformArgs[i] = req.TransformArgs[idx]
		}
		if sub.DRVersion != nil && idx < len(req.DRVersion) {
			sub.DRVersion[i] = req.DRVersion[idx]
		}
		if sub.DRTTLMillis != nil && idx < len(req.DRTTLMillis) {
			sub.DRTTLMillis[i] = req.DRTTLMillis[idx]
		}
		if sub.DRExpireMillis != nil && idx < len(req.DRExpireMillis) {
			sub.DRExpireMillis[i] = req.DRExpireMillis[idx]
		}
	}
	return sub
}

func operationLabel(op wire.Operation) string {
	switch op {
	case wire.OpDelete:
		return "remove"
	case wire.OpTransform:
		return "transform"
	default:
		return "put"
	}
}
