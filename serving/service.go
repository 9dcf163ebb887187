package serving

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"diabetesrisk/db"
	"diabetesrisk/ml"
	"diabetesrisk/monitoring"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var ErrModelUnavailable = errors.New("model unavailable")

type PredictionRecorder interface {
	SavePrediction(ctx context.Context, rec db.PredictionRecord) error
}

type EventPublisher interface {
	Publish(typ monitoring.EventType, data any)
}

type Options struct {
	CacheSize int
	Recorder  PredictionRecorder
	Events    EventPublisher
	Metrics   *monitoring.ServingMetrics
	Logger    *zap.Logger
}

// Service answers predictions from the current model. The model is swapped
// atomically, so requests never wait on a reload.
type Service struct {
	current  atomic.Pointer[ml.Predictor]
	cache    *lru.Cache[string, ml.Prediction]
	recorder PredictionRecorder
	events   EventPublisher
	metrics  *monitoring.ServingMetrics
	logger   *zap.Logger
	pending  sync.WaitGroup
}

type ModelInfo struct {
	RunID              string           `json:"run_id"`
	ModelType          string           `json:"model_type"`
	CreatedAt          time.Time        `json:"created_at"`
	FeatureNames       []string         `json:"feature_names"`
	BestParams         ml.ForestParams  `json:"best_params"`
	Trees              int              `json:"trees"`
	CVAccuracy         float64          `json:"cv_accuracy"`
	Evaluation         ml.Evaluation    `json:"evaluation"`
	DatasetFingerprint string           `json:"dataset_fingerprint"`
	DatasetRows        int              `json:"dataset_rows"`
	Seeds              map[string]int64 `json:"seeds"`
}

func NewService(opts Options) (*Service, error) {
	s := &Service{
		recorder: opts.Recorder,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("serving")
	if s.metrics == nil {
		s.metrics = monitoring.NewServingMetrics()
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, ml.Prediction](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("prediction cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Load reads the artifact at path and makes it the current model. On
// failure the previous model stays in place.
func (s *Service) Load(path string) error {
	predictor, err := ml.LoadModel(path)
	s.metrics.RecordReload(err)
	if err != nil {
		s.publish(monitoring.EventModelReloadFailed, map[string]string{"path": path, "error": err.Error()})
		return err
	}
	s.Swap(predictor)
	return nil
}

// Swap installs predictor and drops cached answers from the old model.
func (s *Service) Swap(predictor *ml.Predictor) {
	old := s.current.Swap(predictor)
	if s.cache != nil {
		s.cache.Purge()
	}
	a := predictor.Artifact()
	fields := []zap.Field{
		zap.String("run_id", a.RunID),
		zap.Stringer("params", a.BestParams),
		zap.Float64("test_accuracy", a.Evaluation.Accuracy),
	}
	if old != nil {
		fields = append(fields, zap.String("previous_run_id", old.Artifact().RunID))
	}
	s.logger.Info("model loaded", fields...)
	s.publish(monitoring.EventModelLoaded, s.infoFor(predictor))
}

func (s *Service) Predictor() *ml.Predictor {
	return s.current.Load()
}

func (s *Service) Ready() bool {
	return s.current.Load() != nil
}

func (s *Service) Metrics() *monitoring.ServingMetrics {
	return s.metrics
}

func (s *Service) ModelInfo() (ModelInfo, error) {
	p := s.current.Load()
	if p == nil {
		return ModelInfo{}, ErrModelUnavailable
	}
	return s.infoFor(p), nil
}

func (s *Service) infoFor(p *ml.Predictor) ModelInfo {
	a := p.Artifact()
	return ModelInfo{
		RunID:              a.RunID,
		ModelType:          a.ModelType,
		CreatedAt:          a.CreatedAt,
		FeatureNames:       p.FeatureNames(),
		BestParams:         a.BestParams,
		Trees:              len(a.Forest.Trees),
		CVAccuracy:         a.CVAccuracy,
		Evaluation:         a.Evaluation,
		DatasetFingerprint: a.DatasetFingerprint,
		DatasetRows:        a.DatasetRows,
		Seeds: map[string]int64{
			"split":  a.SplitSeed,
			"search": a.SearchSeed,
			"model":  a.ModelSeed,
		},
	}
}

// PredictQuery parses n1..nN from the query and predicts. Any missing or
// malformed value is ErrInvalidInput and never reaches the model.
func (s *Service) PredictQuery(ctx context.Context, values url.Values) (ml.Prediction, error) {
	p := s.current.Load()
	if p == nil {
		return ml.Prediction{}, ErrModelUnavailable
	}
	vector, err := ml.ParseFeatureVector(values, p.NumFeatures())
	if err != nil {
		s.metrics.RecordInvalidInput()
		return ml.Prediction{}, err
	}
	return s.predictWith(ctx, p, vector)
}

func (s *Service) Predict(ctx context.Context, vector []float64) (ml.Prediction, error) {
	p := s.current.Load()
	if p == nil {
		return ml.Prediction{}, ErrModelUnavailable
	}
	return s.predictWith(ctx, p, vector)
}

func (s *Service) predictWith(ctx context.Context, p *ml.Predictor, vector []float64) (ml.Prediction, error) {
	start := time.Now()
	key := cacheKey(p.Artifact().RunID, vector)

	var (
		pred   ml.Prediction
		cached bool
	)
	if s.cache != nil {
		pred, cached = s.cache.Get(key)
	}
	if !cached {
		var err error
		pred, err = p.Predict(vector)
		if err != nil {
			if errors.Is(err, ml.ErrInvalidInput) {
				s.metrics.RecordInvalidInput()
			} else {
				s.metrics.RecordFailure()
			}
			return ml.Prediction{}, err
		}
		if s.cache != nil {
			s.cache.Add(key, pred)
		}
	}

	s.metrics.RecordPrediction(pred.Result, time.Since(start), cached)
	requestID := RequestID(ctx)
	s.logger.Debug("prediction served",
		zap.String("request_id", requestID),
		zap.String("result", pred.Result),
		zap.Float64("probability", pred.Probability),
		zap.Bool("cached", cached),
	)
	s.publish(monitoring.EventPrediction, map[string]any{
		"request_id":    requestID,
		"result":        pred.Result,
		"probability":   pred.Probability,
		"model_version": pred.ModelRunID,
	})
	s.record(db.PredictionRecord{
		RequestID:   requestID,
		Features:    append([]float64(nil), vector...),
		Label:       pred.Label,
		Result:      pred.Result,
		Probability: pred.Probability,
		ModelRunID:  pred.ModelRunID,
		CreatedAt:   time.Now(),
	})
	return pred, nil
}

// record stores the prediction off the request path.
func (s *Service) record(rec db.PredictionRecord) {
	if s.recorder == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.SavePrediction(ctx, rec); err != nil {
			s.logger.Warn("record prediction", zap.String("request_id", rec.RequestID), zap.Error(err))
		}
	}()
}

// Close waits for in-flight prediction records.
func (s *Service) Close() {
	s.pending.Wait()
}

func (s *Service) publish(typ monitoring.EventType, data any) {
	if s.events != nil {
		s.events.Publish(typ, data)
	}
}

func cacheKey(runID string, vector []float64) string {
	var b strings.Builder
	b.WriteString(runID)
	for _, v := range vector {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
