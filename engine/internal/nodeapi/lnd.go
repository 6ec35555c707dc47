package nodeapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lnautopilot/engine/models"
)

// LndAdapter implements NodeAPI over lnd's gRPC surface. Credentials (TLS
// cert + macaroon) are baked into the connection at dial time and held for
// the process lifetime; nothing is re-read from disk afterward.
//
// Policy versions are lnd's routing-policy LastUpdate stamps: opaque,
// monotonic per channel, and refreshed by the node on every policy change,
// which is exactly what the optimistic-concurrency check needs.
type LndAdapter struct {
	ln lnrpc.LightningClient

	mu         sync.Mutex
	ownPubKey  string
	chanPoints map[uint64]string
}

// NewLndAdapter wraps an established gRPC connection to lnd.
func NewLndAdapter(conn grpc.ClientConnInterface) *LndAdapter {
	return &LndAdapter{
		ln:         lnrpc.NewLightningClient(conn),
		chanPoints: make(map[uint64]string),
	}
}

// StartupCheck verifies the node is reachable and caches our identity key,
// which GetPolicy needs to pick the right side of a channel edge.
func (a *LndAdapter) StartupCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallBudget)
	defer cancel()
	info, err := a.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return classify(err)
	}
	a.mu.Lock()
	a.ownPubKey = info.IdentityPubkey
	a.mu.Unlock()
	return nil
}

func (a *LndAdapter) identity(ctx context.Context) (string, error) {
	a.mu.Lock()
	key := a.ownPubKey
	a.mu.Unlock()
	if key != "" {
		return key, nil
	}
	if err := a.StartupCheck(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownPubKey, nil
}

func (a *LndAdapter) ListChannels(ctx context.Context) ([]Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallBudget)
	defer cancel()

	resp, err := a.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, classify(err)
	}

	now := time.Now()
	out := make([]Channel, 0, len(resp.Channels))
	a.mu.Lock()
	for _, ch := range resp.Channels {
		a.chanPoints[ch.ChanId] = ch.ChannelPoint
	}
	a.mu.Unlock()
	for _, ch := range resp.Channels {
		st := models.StatusInactive
		if ch.Active {
			st = models.StatusActive
		}
		c := Channel{
			ChannelID:   models.ChannelID(strconv.FormatUint(ch.ChanId, 10)),
			PeerNodeID:  models.NodeID(ch.RemotePubkey),
			CapacitySat: ch.Capacity,
			LocalSat:    ch.LocalBalance,
			RemoteSat:   ch.RemoteBalance,
			Status:      st,
		}
		// lnd reports Lifetime as seconds of monitoring since the channel was
		// opened (or since the node first saw it), the closest thing the RPC
		// surface offers to a channel age.
		if ch.Lifetime > 0 {
			c.OpenedAt = now.Add(-time.Duration(ch.Lifetime) * time.Second)
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *LndAdapter) GetPolicy(ctx context.Context, id models.ChannelID) (models.ChannelPolicy, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallBudget)
	defer cancel()

	policy, _, err := a.ownPolicy(ctx, id)
	if err != nil {
		return models.ChannelPolicy{}, err
	}
	return policy, nil
}

// ownPolicy fetches the channel edge and returns our side's routing policy
// along with the edge's channel point (needed for policy updates and closes).
func (a *LndAdapter) ownPolicy(ctx context.Context, id models.ChannelID) (models.ChannelPolicy, string, error) {
	chanID, err := parseChanID(id)
	if err != nil {
		return models.ChannelPolicy{}, "", fmt.Errorf("%w: channel id %q: %v", models.ErrMalformedArgument, id, err)
	}
	ownKey, err := a.identity(ctx)
	if err != nil {
		return models.ChannelPolicy{}, "", err
	}

	edge, err := a.ln.GetChanInfo(ctx, &lnrpc.ChanInfoRequest{ChanId: chanID})
	if err != nil {
		return models.ChannelPolicy{}, "", classify(err)
	}

	policy := edge.Node1Policy
	if edge.Node2Pub == ownKey {
		policy = edge.Node2Policy
	}
	if policy == nil {
		return models.ChannelPolicy{}, "", fmt.Errorf("%w: channel %s has no advertised policy for our side", models.ErrIoFailure, id)
	}

	a.mu.Lock()
	a.chanPoints[chanID] = edge.ChanPoint
	a.mu.Unlock()

	return models.ChannelPolicy{
		ChannelID:     id,
		Direction:     models.DirectionOutgoing,
		BaseFeeMsat:   policy.FeeBaseMsat,
		FeeRatePPM:    policy.FeeRateMilliMsat,
		MinHTLCMsat:   policy.MinHtlc,
		MaxHTLCMsat:   int64(policy.MaxHtlcMsat),
		TimeLockDelta: policy.TimeLockDelta,
		Disabled:      policy.Disabled,
		Version:       int64(policy.LastUpdate),
	}, edge.ChanPoint, nil
}

func (a *LndAdapter) ApplyPolicy(ctx context.Context, id models.ChannelID, policy models.ChannelPolicy, expectedVersion int64) (PolicyApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallBudget)
	defer cancel()

	current, chanPointStr, err := a.ownPolicy(ctx, id)
	if err != nil {
		return PolicyApplyResult{}, err
	}
	if current.Version != expectedVersion {
		return PolicyApplyResult{}, fmt.Errorf("%w: channel %s is at version %d, expected %d",
			models.ErrVersionStale, id, current.Version, expectedVersion)
	}

	chanPoint, err := parseChanPoint(chanPointStr)
	if err != nil {
		return PolicyApplyResult{}, fmt.Errorf("%w: channel point %q: %v", models.ErrMalformedArgument, chanPointStr, err)
	}

	req := &lnrpc.PolicyUpdateRequest{
		Scope:                &lnrpc.PolicyUpdateRequest_ChanPoint{ChanPoint: chanPoint},
		BaseFeeMsat:          policy.BaseFeeMsat,
		FeeRatePpm:           uint32(policy.FeeRatePPM),
		TimeLockDelta:        policy.TimeLockDelta,
		MaxHtlcMsat:          uint64(policy.MaxHTLCMsat),
		MinHtlcMsat:          uint64(policy.MinHTLCMsat),
		MinHtlcMsatSpecified: policy.MinHTLCMsat > 0,
	}
	if _, err := a.ln.UpdateChannelPolicy(ctx, req); err != nil {
		return PolicyApplyResult{}, classify(err)
	}

	// Re-read so the reported version is the LastUpdate stamp subsequent
	// GetPolicy calls will observe.
	applied, _, err := a.ownPolicy(ctx, id)
	if err != nil {
		return PolicyApplyResult{NewVersion: expectedVersion, AppliedAt: time.Now()}, nil
	}
	return PolicyApplyResult{NewVersion: applied.Version, AppliedAt: time.Now()}, nil
}

func (a *LndAdapter) CloseChannel(ctx context.Context, id models.ChannelID, force bool) (CloseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCloseBudget)
	defer cancel()

	chanID, err := parseChanID(id)
	if err != nil {
		return CloseResult{}, fmt.Errorf("%w: channel id %q: %v", models.ErrMalformedArgument, id, err)
	}
	a.mu.Lock()
	chanPointStr, ok := a.chanPoints[chanID]
	a.mu.Unlock()
	if !ok {
		if _, chanPointStr, err = a.ownPolicy(ctx, id); err != nil {
			return CloseResult{}, err
		}
	}
	chanPoint, err := parseChanPoint(chanPointStr)
	if err != nil {
		return CloseResult{}, fmt.Errorf("%w: channel point %q: %v", models.ErrMalformedArgument, chanPointStr, err)
	}

	stream, err := a.ln.CloseChannel(ctx, &lnrpc.CloseChannelRequest{ChannelPoint: chanPoint, Force: force})
	if err != nil {
		return CloseResult{}, classify(err)
	}
	update, err := stream.Recv()
	if err != nil {
		return CloseResult{}, classify(err)
	}
	result := CloseResult{RequestedAt: time.Now()}
	if pending := update.GetClosePending(); pending != nil {
		result.ClosingTxID = hex.EncodeToString(pending.Txid)
	}
	return result, nil
}

func (a *LndAdapter) GetForwardsSince(ctx context.Context, since time.Time) ([]Forward, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallBudget)
	defer cancel()

	const pageSize = 10_000
	var out []Forward
	var offset uint32
	for {
		resp, err := a.ln.ForwardingHistory(ctx, &lnrpc.ForwardingHistoryRequest{
			StartTime:    uint64(since.Unix()),
			IndexOffset:  offset,
			NumMaxEvents: pageSize,
		})
		if err != nil {
			return nil, classify(err)
		}
		for _, ev := range resp.ForwardingEvents {
			out = append(out, Forward{
				// Attribute the forward to the outgoing channel: that is the
				// side whose fee policy earned the fee.
				ChannelID:  models.ChannelID(strconv.FormatUint(ev.ChanIdOut, 10)),
				AmountSat:  int64(ev.AmtOut),
				FeeMsat:    int64(ev.FeeMsat),
				Settled:    true, // lnd only reports settled forwards
				OccurredAt: time.Unix(0, int64(ev.TimestampNs)),
			})
		}
		if len(resp.ForwardingEvents) < pageSize {
			return out, nil
		}
		offset = resp.LastOffsetIndex
	}
}

// classify translates a raw gRPC transport error into the engine's sentinel
// taxonomy; callers outside this package never see a bare lnd error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %v", models.ErrAuthFailure, err)
	case codes.InvalidArgument, codes.NotFound:
		return fmt.Errorf("%w: %v", models.ErrMalformedArgument, err)
	default:
		return fmt.Errorf("%w: %v", models.ErrIoFailure, err)
	}
}

func parseChanID(id models.ChannelID) (uint64, error) {
	return strconv.ParseUint(string(id), 10, 64)
}

func parseChanPoint(cp string) (*lnrpc.ChannelPoint, error) {
	txid, idxStr, found := strings.Cut(cp, ":")
	if !found || txid == "" {
		return nil, fmt.Errorf("malformed channel point %q", cp)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return nil, err
	}
	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: txid},
		OutputIndex: uint32(idx),
	}, nil
}
