package partitionmgr

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/controlpb"
	"github.com/distflow/runtime/internal/partition"
)

var errUnknownWireState = xerrors.Errorf("unknown wire block state")

// HandleBlockStateChanged applies a BlockStateChanged control message to the
// named partition's state machine. It never panics: per §7, an unknown wire
// state, an unknown partition or a state-machine violation is logged and the
// offending update dropped rather than bringing the master down.
func (m *Manager) HandleBlockStateChanged(msg *controlpb.BlockStateChanged) {
	newState, err := fromWireState(msg.State)
	if err != nil {
		m.logger.WithField("err", err).Error("dropping BlockStateChanged with unknown state")
		return
	}

	hasLocation := msg.State == controlpb.BlockScheduled || msg.State == controlpb.BlockCommitted
	if err := m.OnPartitionStateChanged(msg.BlockID, newState, msg.Location, hasLocation); err != nil {
		m.logger.WithField("err", err).WithField("partition_id", msg.BlockID).Error("dropping illegal or conflicting BlockStateChanged")
	}
}

// HandleRequestBlockLocation resolves a RequestBlockLocation by parking on
// the partition's location future in a goroutine so the caller is answered
// only once the partition commits (or fails to), exactly as C8 describes:
// "on SCHEDULED the worker parks ... until a matching BlockLocationInfo
// response arrives". ctx should be derived from the connection's lifetime so
// the goroutine is not leaked if the requester disconnects first.
func (m *Manager) HandleRequestBlockLocation(ctx context.Context, msg *controlpb.RequestBlockLocation, reply func(interface{})) {
	future := m.GetPartitionLocationFuture(msg.BlockID)

	go func() {
		loc, err := future.Wait(ctx)
		if err != nil {
			if ap, ok := err.(*partition.AbsentPartitionError); ok {
				reply(&controlpb.BlockLocationInfo{
					BlockID: msg.BlockID,
					State:   toWireState(ap.State),
					Found:   false,
				})
				return
			}
			reply(&controlpb.BlockLocationInfo{BlockID: msg.BlockID, Found: false})
			return
		}
		reply(&controlpb.BlockLocationInfo{
			BlockID:         msg.BlockID,
			State:           controlpb.BlockCommitted,
			OwnerExecutorID: loc,
			Found:           true,
		})
	}()
}

func fromWireState(s controlpb.BlockState) (partition.State, error) {
	switch s {
	case controlpb.BlockReady:
		return partition.StateReady, nil
	case controlpb.BlockScheduled:
		return partition.StateScheduled, nil
	case controlpb.BlockCommitted:
		return partition.StateCommitted, nil
	case controlpb.BlockLost:
		return partition.StateLost, nil
	case controlpb.BlockLostBeforeCommit:
		return partition.StateLostBeforeCommit, nil
	case controlpb.BlockRemoved:
		return partition.StateRemoved, nil
	default:
		return 0, errUnknownWireState
	}
}

func toWireState(s partition.State) controlpb.BlockState {
	switch s {
	case partition.StateReady:
		return controlpb.BlockReady
	case partition.StateScheduled:
		return controlpb.BlockScheduled
	case partition.StateCommitted:
		return controlpb.BlockCommitted
	case partition.StateLost:
		return controlpb.BlockLost
	case partition.StateLostBeforeCommit:
		return controlpb.BlockLostBeforeCommit
	case partition.StateRemoved:
		return controlpb.BlockRemoved
	default:
		return controlpb.BlockReady
	}
}
