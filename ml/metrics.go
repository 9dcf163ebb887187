package ml

import (
	"errors"
	"fmt"
	"strings"
)

// ConfusionMatrix is indexed [true label][predicted label].
type ConfusionMatrix [2][2]int

func (m ConfusionMatrix) String() string {
	return fmt.Sprintf("[[%d %d]\n [%d %d]]", m[0][0], m[0][1], m[1][0], m[1][1])
}

type ClassMetrics struct {
	Precision float64 `json:"precision" msgpack:"precision"`
	Recall    float64 `json:"recall" msgpack:"recall"`
	F1        float64 `json:"f1" msgpack:"f1"`
	Support   int     `json:"support" msgpack:"support"`
}

type ClassificationReport struct {
	Classes     [2]ClassMetrics `json:"classes" msgpack:"classes"`
	Accuracy    float64         `json:"accuracy" msgpack:"accuracy"`
	MacroAvg    ClassMetrics    `json:"macro_avg" msgpack:"macro_avg"`
	WeightedAvg ClassMetrics    `json:"weighted_avg" msgpack:"weighted_avg"`
}

// Evaluation is the held-out score of the selected model.
type Evaluation struct {
	Accuracy  float64              `json:"accuracy" msgpack:"accuracy"`
	Confusion ConfusionMatrix      `json:"confusion_matrix" msgpack:"confusion_matrix"`
	Report    ClassificationReport `json:"report" msgpack:"report"`
	Samples   int                  `json:"samples" msgpack:"samples"`
}

func Accuracy(yTrue, yPred []int) float64 {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return 0
	}
	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue))
}

func NewConfusionMatrix(yTrue, yPred []int) (ConfusionMatrix, error) {
	var m ConfusionMatrix
	if len(yTrue) != len(yPred) {
		return m, errors.New("labels and predictions size mismatch")
	}
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		if t < 0 || t > 1 || p < 0 || p > 1 {
			return m, fmt.Errorf("non-binary label at %d", i)
		}
		m[t][p]++
	}
	return m, nil
}

func NewClassificationReport(m ConfusionMatrix) ClassificationReport {
	var r ClassificationReport
	total := 0
	for class := 0; class < 2; class++ {
		tp := m[class][class]
		predicted := m[0][class] + m[1][class]
		actual := m[class][0] + m[class][1]
		c := ClassMetrics{Support: actual}
		if predicted > 0 {
			c.Precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			c.Recall = float64(tp) / float64(actual)
		}
		if c.Precision+c.Recall > 0 {
			c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
		}
		r.Classes[class] = c
		total += actual
	}
	if total == 0 {
		return r
	}
	r.Accuracy = float64(m[0][0]+m[1][1]) / float64(total)
	for _, c := range r.Classes {
		w := float64(c.Support) / float64(total)
		r.MacroAvg.Precision += c.Precision / 2
		r.MacroAvg.Recall += c.Recall / 2
		r.MacroAvg.F1 += c.F1 / 2
		r.WeightedAvg.Precision += c.Precision * w
		r.WeightedAvg.Recall += c.Recall * w
		r.WeightedAvg.F1 += c.F1 * w
	}
	r.MacroAvg.Support = total
	r.WeightedAvg.Support = total
	return r
}

func (r ClassificationReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%12s %9s %9s %9s %9s\n\n", "", "precision", "recall", "f1-score", "support")
	for class, c := range r.Classes {
		fmt.Fprintf(&b, "%12d %9.2f %9.2f %9.2f %9d\n", class, c.Precision, c.Recall, c.F1, c.Support)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%12s %9s %9s %9.2f %9d\n", "accuracy", "", "", r.Accuracy, r.MacroAvg.Support)
	fmt.Fprintf(&b, "%12s %9.2f %9.2f %9.2f %9d\n", "macro avg", r.MacroAvg.Precision, r.MacroAvg.Recall, r.MacroAvg.F1, r.MacroAvg.Support)
	fmt.Fprintf(&b, "%12s %9.2f %9.2f %9.2f %9d\n", "weighted avg", r.WeightedAvg.Precision, r.WeightedAvg.Recall, r.WeightedAvg.F1, r.WeightedAvg.Support)
	return b.String()
}

func Evaluate(model Classifier, features [][]float64, labels []int) (Evaluation, error) {
	if len(features) == 0 {
		return Evaluation{}, errors.New("no evaluation samples")
	}
	preds := make([]int, len(features))
	for i, row := range features {
		label, _, err := model.Predict(row)
		if err != nil {
			return Evaluation{}, err
		}
		preds[i] = label
	}
	m, err := NewConfusionMatrix(labels, preds)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{
		Accuracy:  Accuracy(labels, preds),
		Confusion: m,
		Report:    NewClassificationReport(m),
		Samples:   len(labels),
	}, nil
}
