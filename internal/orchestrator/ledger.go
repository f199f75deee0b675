package orchestrator

import (
	"fmt"

	"codestory/internal/cas"
	"codestory/internal/commitstrategy"
	"codestory/internal/graph"
)

// record writes the run's artifacts into the ledger. The ref is already
// promoted by the time this runs, so ledger failures degrade to a warning
// instead of failing the run.
func (o *Orchestrator) record(res *Result, out *pipelineOut, planned []commitstrategy.PlannedCommit) {
	if o.Ledger == nil {
		return
	}
	if err := o.writeLedger(res, out, planned); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("run ledger not updated: %v", err))
	}
}

func (o *Orchestrator) writeLedger(res *Result, out *pipelineOut, planned []commitstrategy.PlannedCommit) error {
	runID, err := cas.HexToBytes(res.RunID)
	if err != nil {
		return fmt.Errorf("decoding run id: %w", err)
	}

	tx, err := o.Ledger.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = o.Ledger.InsertRunNode(tx, runID, map[string]interface{}{
		"mode":           string(res.Mode),
		"branch":         res.Branch,
		"old_tip":        res.OldTip.String(),
		"new_tip":        res.NewTip.String(),
		"commit_count":   len(planned),
		"rejected_count": len(res.Rejected),
		"status":         "finalized",
	})
	if err != nil {
		return err
	}

	chunkNodes := map[string][]byte{}
	for _, c := range out.chunks {
		id, err := o.Ledger.InsertNode(tx, graph.KindChunk, map[string]interface{}{
			"chunk_id":  c.ID,
			"file_path": c.FilePath,
		})
		if err != nil {
			return err
		}
		chunkNodes[c.ID] = id
		if err := o.Ledger.InsertEdge(tx, runID, graph.EdgeRunHasChunk, id, runID); err != nil {
			return err
		}
	}

	semNodes := map[string][]byte{}
	for i := range out.sems {
		g := &out.sems[i]
		id, err := o.Ledger.InsertNode(tx, graph.KindSemanticGroup, map[string]interface{}{
			"group_id":    g.ID,
			"files":       g.Files,
			"identifiers": g.Identifiers,
		})
		if err != nil {
			return err
		}
		semNodes[g.ID] = id
		for _, c := range g.Chunks {
			if cid, ok := chunkNodes[c.ID]; ok {
				if err := o.Ledger.InsertEdge(tx, cid, graph.EdgeChunkInGroup, id, runID); err != nil {
					return err
				}
			}
		}
	}

	for _, rej := range res.Rejected {
		id, err := o.Ledger.InsertNode(tx, graph.KindRejectedGroup, map[string]interface{}{
			"group_id": rej.GroupID,
			"files":    rej.Files,
			"reason":   string(rej.Reason),
			"detail":   rej.Detail,
		})
		if err != nil {
			return err
		}
		if sid, ok := semNodes[rej.GroupID]; ok {
			if err := o.Ledger.InsertEdge(tx, sid, graph.EdgeGroupRejected, id, runID); err != nil {
				return err
			}
		}
	}

	var logicalNodes [][]byte
	for i := range out.logical {
		g := &out.logical[i]
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, m.ID)
		}
		id, err := o.Ledger.InsertNode(tx, graph.KindLogicalGroup, map[string]interface{}{
			"message":   g.Message,
			"rationale": g.Rationale,
			"members":   members,
			"position":  i,
		})
		if err != nil {
			return err
		}
		logicalNodes = append(logicalNodes, id)
		for _, m := range members {
			if sid, ok := semNodes[m]; ok {
				if err := o.Ledger.InsertEdge(tx, sid, graph.EdgeGroupMergedInto, id, runID); err != nil {
					return err
				}
			}
		}
	}

	var prev []byte
	for i, pc := range planned {
		id, err := o.Ledger.InsertNode(tx, graph.KindCommit, map[string]interface{}{
			"hash":     pc.Commit.String(),
			"message":  pc.Message,
			"files":    pc.Files,
			"position": i,
		})
		if err != nil {
			return err
		}
		if err := o.Ledger.InsertEdge(tx, runID, graph.EdgeRunHasCommit, id, runID); err != nil {
			return err
		}
		if i < len(logicalNodes) {
			if err := o.Ledger.InsertEdge(tx, logicalNodes[i], graph.EdgeGroupProduces, id, runID); err != nil {
				return err
			}
		}
		if prev != nil {
			if err := o.Ledger.InsertEdge(tx, prev, graph.EdgeCommitParent, id, runID); err != nil {
				return err
			}
		}
		treeID, err := o.Ledger.InsertNode(tx, graph.KindAccumulatedTree, map[string]interface{}{
			"hash": pc.Tree.String(),
		})
		if err != nil {
			return err
		}
		if err := o.Ledger.InsertEdge(tx, id, graph.EdgeCommitHasTree, treeID, runID); err != nil {
			return err
		}
		prev = id
	}

	return tx.Commit()
}
