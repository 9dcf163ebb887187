package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"diabetesrisk/config"
	"diabetesrisk/db"
	"diabetesrisk/ml"
	"diabetesrisk/monitoring"
	"diabetesrisk/serving"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "train_model",
	Short: "Train the diabetes random forest and write the model artifact",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix(strings.TrimSuffix(config.EnvPrefix, "_"))
		viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
		viper.AutomaticEnv()
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraining(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config", "", "Path to the config file")
	flags.String("dataset", "", "Path to the training CSV")
	flags.String("model-path", "", "Where to write the model artifact")
	flags.String("db", "", "sqlite database for the training log")
	flags.Int("n-iter", 0, "Number of sampled search candidates")
	flags.Int("cv", 0, "Cross-validation folds")
	flags.Int64("seed", 0, "Seed for split, search and trees (0 keeps the configured seeds)")
	flags.Float64("test-ratio", 0, "Held-out test fraction")
	flags.Int("workers", 0, "Concurrent search candidates")
	flags.Bool("no-progress", false, "Disable the progress bar")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file (if any) and DIABETES_ variables, then
// lets each non-zero flag override them.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("dataset"); v != "" {
		cfg.Dataset.Path = v
	}
	if v := viper.GetString("model-path"); v != "" {
		cfg.ML.ModelPath = v
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	training := &cfg.ML.Training
	if v := viper.GetInt("n-iter"); v > 0 {
		training.Search.NIter = v
	}
	if v := viper.GetInt("cv"); v > 0 {
		training.Search.Folds = v
	}
	if v := viper.GetInt64("seed"); v != 0 {
		training.SplitSeed = v
		training.Search.Seed = v
		training.Search.ModelSeed = v
	}
	if v := viper.GetFloat64("test-ratio"); v > 0 {
		training.TestRatio = v
	}
	if v := viper.GetInt("workers"); v > 0 {
		training.Search.Workers = v
	}
	if cfg.Dataset.Path == "" {
		return nil, fmt.Errorf("%w: no dataset given, use --dataset or %sDATASET_PATH", ml.ErrDatasetUnavailable, config.EnvPrefix)
	}
	return cfg, cfg.Validate()
}

func runTraining(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := monitoring.NewLogger(monitoring.LoggerOptions{
		Level:  cfg.Log.Level,
		Format: "console",
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	job := serving.TrainJob{
		DatasetPath: cfg.Dataset.Path,
		Dataset:     cfg.Dataset.Options(),
		ModelPath:   cfg.ML.ModelPath,
		Config:      cfg.ML.Training,
		Logger:      logger,
	}
	if cfg.Database.Path != "" {
		store, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		job.History = store
	}

	var progress *mpb.Progress
	var bar *mpb.Bar
	if !viper.GetBool("no-progress") {
		total := min(cfg.ML.Training.Search.NIter, cfg.ML.Training.Grid.Size())
		progress = mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		)
		bar = progress.AddBar(int64(total),
			mpb.PrependDecorators(
				decor.Name("search", decor.WC{W: 8, C: decor.DidentRight}),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.Name(" "),
				decor.Elapsed(decor.ET_STYLE_GO),
			),
		)
		job.Progress = func(done, total int, it ml.SearchIteration) {
			bar.SetTotal(int64(total), false)
			bar.Increment()
		}
	}

	artifact, report, err := serving.TrainAndSave(ctx, job)
	if progress != nil {
		if err != nil {
			bar.Abort(false)
		}
		progress.Wait()
	}
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		return err
	}

	fmt.Printf("run:            %s\n", artifact.RunID)
	fmt.Printf("best params:    %+v\n", artifact.BestParams)
	fmt.Printf("cv accuracy:    %.4f\n", artifact.CVAccuracy)
	fmt.Printf("test accuracy:  %.4f (%d train / %d test rows)\n", report.Evaluation.Accuracy, report.TrainRows, report.TestRows)
	fmt.Printf("confusion matrix:\n%s\n", report.Evaluation.Confusion)
	fmt.Printf("classification report:\n%s\n", report.Evaluation.Report)
	fmt.Printf("model saved to %s\n", cfg.ML.ModelPath)
	return nil
}
