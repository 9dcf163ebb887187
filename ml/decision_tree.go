package ml

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

const impurityEpsilon = 1e-12

// DecisionTree is a binary CART classifier stored as a flat node array so it
// can be serialized without pointers. Node 0 is the root.
type DecisionTree struct {
	MaxDepth        int   `msgpack:"max_depth" json:"max_depth"` // 0 => unlimited
	MinSamplesSplit int   `msgpack:"min_samples_split" json:"min_samples_split"`
	MinSamplesLeaf  int   `msgpack:"min_samples_leaf" json:"min_samples_leaf"`
	MaxFeatures     int   `msgpack:"max_features" json:"max_features"` // 0 => all
	Seed            int64 `msgpack:"seed" json:"seed"`

	Nodes []TreeNode `msgpack:"nodes" json:"nodes"`
}

type TreeNode struct {
	FeatureIdx int     `msgpack:"f" json:"feature_idx"`
	Threshold  float64 `msgpack:"t" json:"threshold"`
	LeftChild  int     `msgpack:"l" json:"left_child"`
	RightChild int     `msgpack:"r" json:"right_child"`
	ClassLabel int     `msgpack:"c" json:"class_label"`
	Positive   float64 `msgpack:"p" json:"positive"` // share of label 1 among node samples
	Samples    int     `msgpack:"n" json:"samples"`
	IsLeaf     bool    `msgpack:"leaf" json:"is_leaf"`
}

func NewDecisionTree(maxDepth, minSamplesSplit, minSamplesLeaf, maxFeatures int, seed int64) *DecisionTree {
	return &DecisionTree{
		MaxDepth:        maxDepth,
		MinSamplesSplit: minSamplesSplit,
		MinSamplesLeaf:  minSamplesLeaf,
		MaxFeatures:     maxFeatures,
		Seed:            seed,
	}
}

func (dt *DecisionTree) Fit(features [][]float64, labels []int) error {
	idx := make([]int, len(features))
	for i := range idx {
		idx[i] = i
	}
	return dt.fitSamples(features, labels, idx)
}

// fitSamples trains on the rows named by idx; repeated indices act as
// bootstrap weights.
func (dt *DecisionTree) fitSamples(features [][]float64, labels []int, idx []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if len(idx) == 0 {
		return errors.New("no samples to fit")
	}
	width := len(features[0])
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), width)
		}
	}
	for _, label := range labels {
		if label != 0 && label != 1 {
			return fmt.Errorf("label %d is not binary", label)
		}
	}

	b := &treeBuilder{
		tree:     dt,
		features: features,
		labels:   labels,
		width:    width,
		rnd:      rand.New(rand.NewSource(dt.Seed)),
	}
	dt.Nodes = nil
	b.build(append([]int(nil), idx...), 0)
	dt.Nodes = b.nodes
	return nil
}

// Predict returns the majority label and its share at the reached leaf.
func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	p, err := dt.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	if p > 0.5 {
		return 1, p, nil
	}
	return 0, 1 - p, nil
}

// PredictProba returns the probability of label 1.
func (dt *DecisionTree) PredictProba(features []float64) (float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return 0, err
	}
	return leaf.Positive, nil
}

func (dt *DecisionTree) leaf(features []float64) (*TreeNode, error) {
	if len(dt.Nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	idx := 0
	for {
		node := &dt.Nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, fmt.Errorf("%w: feature index %d out of range", ErrShapeMismatch, node.FeatureIdx)
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

// Depth returns the length of the longest root-to-leaf path.
func (dt *DecisionTree) Depth() int {
	if len(dt.Nodes) == 0 {
		return 0
	}
	var walk func(idx int) int
	walk = func(idx int) int {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return 0
		}
		return 1 + max(walk(node.LeftChild), walk(node.RightChild))
	}
	return walk(0)
}

type treeBuilder struct {
	tree     *DecisionTree
	features [][]float64
	labels   []int
	width    int
	rnd      *rand.Rand
	nodes    []TreeNode
}

type split struct {
	feature   int
	threshold float64
	impurity  float64
}

func (b *treeBuilder) build(idx []int, depth int) int {
	id := len(b.nodes)
	positives := countPositives(b.labels, idx)
	node := TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Positive:   float64(positives) / float64(len(idx)),
		Samples:    len(idx),
		IsLeaf:     true,
	}
	if 2*positives > len(idx) {
		node.ClassLabel = 1
	}
	b.nodes = append(b.nodes, node)

	minLeaf := max(b.tree.MinSamplesLeaf, 1)
	minSplit := max(b.tree.MinSamplesSplit, 2)
	if (b.tree.MaxDepth > 0 && depth >= b.tree.MaxDepth) ||
		len(idx) < minSplit ||
		len(idx) < 2*minLeaf ||
		gini(positives, len(idx)) <= impurityEpsilon {
		return id
	}

	best, ok := b.findBestSplit(idx, minLeaf)
	if !ok {
		return id
	}

	leftIdx := make([]int, 0, len(idx))
	rightIdx := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.features[i][best.feature] <= best.threshold {
			leftIdx = append(leftIdx, i)
		} else {
			rightIdx = append(rightIdx, i)
		}
	}

	left := b.build(leftIdx, depth+1)
	right := b.build(rightIdx, depth+1)
	n := &b.nodes[id]
	n.IsLeaf = false
	n.FeatureIdx = best.feature
	n.Threshold = best.threshold
	n.LeftChild = left
	n.RightChild = right
	return id
}

// findBestSplit visits features in a random order. It stops after MaxFeatures
// features once a valid split exists, so constant features never leave a node
// unsplit when another feature could separate it.
func (b *treeBuilder) findBestSplit(idx []int, minLeaf int) (split, bool) {
	order := b.rnd.Perm(b.width)
	limit := b.tree.MaxFeatures
	if limit <= 0 || limit > b.width {
		limit = b.width
	}

	best := split{feature: -1}
	sorted := make([]int, len(idx))
	total := len(idx)
	totalPos := countPositives(b.labels, idx)
	for visited, feature := range order {
		if visited >= limit && best.feature >= 0 {
			break
		}
		copy(sorted, idx)
		values := b.features
		sort.SliceStable(sorted, func(i, j int) bool {
			return values[sorted[i]][feature] < values[sorted[j]][feature]
		})

		leftPos := 0
		for pos := 1; pos < total; pos++ {
			leftPos += b.labels[sorted[pos-1]]
			lo := values[sorted[pos-1]][feature]
			hi := values[sorted[pos]][feature]
			if lo == hi || pos < minLeaf || total-pos < minLeaf {
				continue
			}
			impurity := weightedGini(leftPos, pos, totalPos-leftPos, total-pos)
			if best.feature < 0 || impurity < best.impurity {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = split{feature: feature, threshold: threshold, impurity: impurity}
			}
		}
	}
	return best, best.feature >= 0
}

func countPositives(labels []int, idx []int) int {
	n := 0
	for _, i := range idx {
		n += labels[i]
	}
	return n
}

func weightedGini(leftPos, leftN, rightPos, rightN int) float64 {
	total := float64(leftN + rightN)
	return float64(leftN)/total*gini(leftPos, leftN) + float64(rightN)/total*gini(rightPos, rightN)
}

func gini(positives, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(positives) / float64(n)
	return 1 - p*p - (1-p)*(1-p)
}
