// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package reconciler

import "github.com/privateaim/pod-orchestrator/api/analysis"

// Action is what one reconciliation decided to do.
type Action int

const (
	// ActionNone leaves the generation alone.
	ActionNone Action = iota
	// ActionPromote writes the probed internal state to the repository and
	// the hub.
	ActionPromote
	// ActionUnstuck starts the recovery procedure for an unreachable
	// analysis.
	ActionUnstuck
	// ActionFinalize captures logs, tears the generation down and stamps
	// it with Decision.Final.
	ActionFinalize
)

// Decision is the outcome of comparing stored and probed state.
type Decision struct {
	Action Action
	// Final is only set for ActionFinalize.
	Final analysis.Status
}

// Decide compares the stored status of a generation with its probed internal
// status. Rules apply top to bottom:
//
//  1. stored stopping: the user asked for a stop, finalize as stopped no
//     matter what the analysis says.
//  2. stored failed and unreachable: the previous recovery already gave up,
//     finalize as failed.
//  3. unreachable otherwise: attempt recovery.
//  4. internal failed / finished: finalize accordingly.
//  5. internal running: promote, which also covers an analysis that
//     recovered from stuck on its own.
func Decide(stored analysis.Status, probe ProbeResult) Decision {
	internal := probe.Status
	if !probe.Reachable {
		internal = analysis.StatusStuck
	}

	switch {
	case stored == analysis.StatusStopping:
		return Decision{Action: ActionFinalize, Final: analysis.StatusStopped}
	case stored == analysis.StatusFailed && internal == analysis.StatusStuck:
		return Decision{Action: ActionFinalize, Final: analysis.StatusFailed}
	case internal == analysis.StatusStuck:
		return Decision{Action: ActionUnstuck}
	case internal == analysis.StatusFailed:
		return Decision{Action: ActionFinalize, Final: analysis.StatusFailed}
	case internal == analysis.StatusFinished:
		return Decision{Action: ActionFinalize, Final: analysis.StatusFinished}
	case internal == analysis.StatusRunning:
		return Decision{Action: ActionPromote}
	}
	return Decision{Action: ActionNone}
}
