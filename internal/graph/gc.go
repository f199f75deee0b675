package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// GCOptions configures the garbage collector.
type GCOptions struct {
	// SinceDays only sweeps runs older than N days. 0 keeps every run as a
	// root, so only nodes that no run reaches are swept.
	SinceDays int

	// Aggressive also sweeps rejected groups that no kept run reaches.
	// Without it they are left in the ledger.
	Aggressive bool

	// DryRun computes the plan without executing it.
	DryRun bool
}

// GCPlan describes what a garbage collection pass would delete.
type GCPlan struct {
	NodesToDelete   []*Node
	ObjectsToDelete []string

	RunCount           int
	ChunkCount         int
	SemanticGroupCount int
	LogicalGroupCount  int
	CommitCount        int

	BytesReclaimed int64
}

func (p *GCPlan) empty() bool {
	return len(p.NodesToDelete) == 0 && len(p.ObjectsToDelete) == 0
}

// BuildGCPlan computes what garbage collection would delete. Runs newer than
// the cutoff are the roots; everything reachable from a root through ledger
// edges stays, and whatever is left over is eligible for deletion.
func (db *DB) BuildGCPlan(opts GCOptions) (*GCPlan, error) {
	var cutoffMs int64
	if opts.SinceDays > 0 {
		cutoffMs = time.Now().Add(-time.Duration(opts.SinceDays) * 24 * time.Hour).UnixMilli()
	}

	live, liveDigests, err := db.markLive(cutoffMs)
	if err != nil {
		return nil, err
	}

	all, err := db.loadAllNodes()
	if err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}

	plan := &GCPlan{}
	for _, node := range all {
		if live[string(node.ID)] {
			continue
		}
		if cutoffMs > 0 && node.Kind == KindRun && node.CreatedAt > cutoffMs {
			continue
		}
		// A rejected group explains why a chunk was dropped. Keep it unless
		// sweeping aggressively.
		if node.Kind == KindRejectedGroup && !opts.Aggressive {
			continue
		}

		plan.NodesToDelete = append(plan.NodesToDelete, node)
		plan.tally(node.Kind)

		if digest := treeDigestOf(node); digest != "" && !liveDigests[digest] {
			plan.ObjectsToDelete = append(plan.ObjectsToDelete, digest)
			if info, err := os.Stat(filepath.Join(db.objectsDir, digest)); err == nil {
				plan.BytesReclaimed += info.Size()
			}
		}
	}

	return plan, nil
}

func (p *GCPlan) tally(kind NodeKind) {
	switch kind {
	case KindRun:
		p.RunCount++
	case KindChunk:
		p.ChunkCount++
	case KindSemanticGroup:
		p.SemanticGroupCount++
	case KindLogicalGroup:
		p.LogicalGroupCount++
	case KindCommit:
		p.CommitCount++
	}
}

// markLive walks the ledger from every run newer than the cutoff and returns
// the set of reachable node IDs plus the tree digests those nodes pin.
func (db *DB) markLive(cutoffMs int64) (map[string]bool, map[string]bool, error) {
	runs, err := db.GetNodesByKind(KindRun)
	if err != nil {
		return nil, nil, fmt.Errorf("loading runs: %w", err)
	}

	live := make(map[string]bool)
	liveDigests := make(map[string]bool)

	var stack [][]byte
	for _, run := range runs {
		if cutoffMs > 0 && run.CreatedAt <= cutoffMs {
			continue
		}
		live[string(run.ID)] = true
		stack = append(stack, run.ID)
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, err := db.GetNode(id)
		if err != nil || node == nil {
			continue
		}
		if node.Kind == KindAccumulatedTree || node.Kind == KindCommit {
			if digest := treeDigestOf(node); digest != "" {
				liveDigests[digest] = true
			}
		}

		edges, err := db.outgoingEdges(id)
		if err != nil {
			continue
		}
		for _, edge := range edges {
			if key := string(edge.Dst); !live[key] {
				live[key] = true
				stack = append(stack, edge.Dst)
			}
		}
	}

	return live, liveDigests, nil
}

func treeDigestOf(node *Node) string {
	digest, _ := node.Payload["treeDigest"].(string)
	return digest
}

// ExecuteGC deletes everything the plan names: nodes with their edges, logs,
// and slugs inside one transaction, then unreferenced object files.
func (db *DB) ExecuteGC(plan *GCPlan) error {
	if plan.empty() {
		return nil
	}

	tx, err := db.BeginTx()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, node := range plan.NodesToDelete {
		for _, stmt := range []string{
			`DELETE FROM edges WHERE src = ?`,
			`DELETE FROM edges WHERE dst = ?`,
			`DELETE FROM nodes WHERE id = ?`,
			`DELETE FROM logs WHERE id = ?`,
			`DELETE FROM slugs WHERE target_id = ?`,
		} {
			if _, err := tx.Exec(stmt, node.ID); err != nil {
				return fmt.Errorf("sweeping node %x: %w", node.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sweep: %w", err)
	}

	for _, digest := range plan.ObjectsToDelete {
		os.Remove(filepath.Join(db.objectsDir, digest))
	}
	return nil
}

func (db *DB) loadAllNodes() ([]*Node, error) {
	rows, err := db.Query(`SELECT id, kind, payload, created_at FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var id []byte
		var kind, payloadJSON string
		var createdAt int64
		if err := rows.Scan(&id, &kind, &payloadJSON, &createdAt); err != nil {
			return nil, err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, err
		}
		nodes = append(nodes, &Node{ID: id, Kind: NodeKind(kind), Payload: payload, CreatedAt: createdAt})
	}
	return nodes, rows.Err()
}

func (db *DB) outgoingEdges(src []byte) ([]*Edge, error) {
	rows, err := db.Query(`SELECT type, dst, at, created_at FROM edges WHERE src = ?`, src)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var edgeType string
		var dst, at []byte
		var createdAt int64
		if err := rows.Scan(&edgeType, &dst, &at, &createdAt); err != nil {
			return nil, err
		}
		edges = append(edges, &Edge{Src: src, Type: EdgeType(edgeType), Dst: dst, At: at, CreatedAt: createdAt})
	}
	return edges, rows.Err()
}
