package isoforest

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion is bumped whenever the serialized model shape changes.
// Load rejects snapshots written by a different version.
const snapshotVersion = 1

// node is one isolation tree node. Leaf nodes carry only their partition
// size; internal nodes carry the split and both children.
type node struct {
	Leaf    bool
	Size    int
	Feature int
	Split   float64
	Left    *node
	Right   *node
}

type leafJSON struct {
	Leaf bool `json:"leaf"`
	Size int  `json:"size"`
}

type innerJSON struct {
	Feature int     `json:"feature"`
	Split   float64 `json:"split"`
	Left    *node   `json:"left"`
	Right   *node   `json:"right"`
}

func (n *node) MarshalJSON() ([]byte, error) {
	if n.Leaf {
		return json.Marshal(leafJSON{Leaf: true, Size: n.Size})
	}
	return json.Marshal(innerJSON{Feature: n.Feature, Split: n.Split, Left: n.Left, Right: n.Right})
}

func (n *node) UnmarshalJSON(data []byte) error {
	var probe struct {
		Leaf bool `json:"leaf"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Leaf {
		var leaf leafJSON
		if err := json.Unmarshal(data, &leaf); err != nil {
			return err
		}
		*n = node{Leaf: true, Size: leaf.Size}
		return nil
	}
	var inner innerJSON
	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}
	if inner.Left == nil || inner.Right == nil {
		return fmt.Errorf("internal node missing children")
	}
	*n = node{Feature: inner.Feature, Split: inner.Split, Left: inner.Left, Right: inner.Right}
	return nil
}

// snapshot is the on-disk model representation.
type snapshot struct {
	Version       int                `json:"version"`
	Features      []string           `json:"features"`
	Mu            map[string]float64 `json:"mu"`
	Sigma         map[string]float64 `json:"sigma"`
	NumTrees      int                `json:"num_trees"`
	SubsampleSize int                `json:"subsample_size"`
	Trees         []*node            `json:"trees"`
}

// Save serializes the trained model. Returns core-independent JSON so
// callers can store the blob wherever they like.
func (f *Forest) Save() ([]byte, error) {
	f.mu.RLock()
	m := f.model
	f.mu.RUnlock()

	if m == nil {
		return nil, fmt.Errorf("save model: no trained model")
	}
	return json.Marshal(snapshot{
		Version:       snapshotVersion,
		Features:      m.Features,
		Mu:            m.Mu,
		Sigma:         m.Sigma,
		NumTrees:      m.NumTrees,
		SubsampleSize: m.SubsampleSize,
		Trees:         m.Trees,
	})
}

// Load replaces the current model with a previously saved snapshot.
func (f *Forest) Load(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("load model: unsupported snapshot version %d", snap.Version)
	}
	if len(snap.Trees) == 0 || len(snap.Features) == 0 {
		return fmt.Errorf("load model: snapshot has no trees or features")
	}

	m := &model{
		Features:      snap.Features,
		Mu:            snap.Mu,
		Sigma:         snap.Sigma,
		NumTrees:      snap.NumTrees,
		SubsampleSize: snap.SubsampleSize,
		Trees:         snap.Trees,
	}

	f.mu.Lock()
	f.model = m
	f.mu.Unlock()

	f.logger.Printf("Loaded model: features=%d trees=%d", len(m.Features), len(m.Trees))
	return nil
}
