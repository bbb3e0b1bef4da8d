// Package ids formats and parses the opaque identifiers used throughout the
// runtime: job, stage, task-group, task, edge and partition ids.
package ids

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Partition formats a partition id from its producing edge and the index of
// the producer task that emitted it, following the "<edgeId>#<producerTaskIndex>"
// convention.
func Partition(edgeID string, producerTaskIndex int) string {
	return edgeID + "#" + strconv.Itoa(producerTaskIndex)
}

// SplitPartition parses a partition id back into its edge id and producer
// task index.
func SplitPartition(partitionID string) (edgeID string, producerTaskIndex int, err error) {
	idx := strings.LastIndexByte(partitionID, '#')
	if idx < 0 {
		return "", 0, xerrors.Errorf("partition id %q is missing the producer index separator", partitionID)
	}

	edgeID = partitionID[:idx]
	if edgeID == "" {
		return "", 0, xerrors.Errorf("partition id %q has an empty edge id", partitionID)
	}

	producerTaskIndex, err = strconv.Atoi(partitionID[idx+1:])
	if err != nil {
		return "", 0, xerrors.Errorf("partition id %q has a non-numeric producer index: %w", partitionID, err)
	}
	return edgeID, producerTaskIndex, nil
}
