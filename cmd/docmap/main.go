package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/likearthian/docmap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	collection string
	filter     string
	sortSpec   string
	skip       int64
	limit      int64
)

var rootCmd = &cobra.Command{
	Use:           "docmap",
	Short:         "Query document collections through the configured store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVarP(&collection, "collection", "c", "", "collection name")
	flags.StringVarP(&filter, "filter", "f", "", `extended JSON filter, e.g. '{"payment": {"$gt": 100}}'`)
	_ = rootCmd.MarkPersistentFlagRequired("collection")

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "Print matching documents as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTemplate(cmd.Context(), func(ctx context.Context, t *docmap.Template, q docmap.Query) error {
				if sortSpec != "" {
					orders, err := docmap.ParseSort(sortSpec)
					if err != nil {
						return err
					}
					q = q.With(orders...)
				}
				if skip > 0 {
					q = q.Skip(skip)
				}
				if limit > 0 {
					q = q.Limit(limit)
				}

				var docs []docmap.Document
				if err := t.Find(ctx, q, &docs, docmap.InCollection(collection)); err != nil {
					return err
				}
				return printLines(docs)
			})
		},
	}
	findCmd.Flags().StringVarP(&sortSpec, "sort", "s", "", "comma separated sort keys, prefix with - for descending")
	findCmd.Flags().Int64Var(&skip, "skip", 0, "number of documents to skip")
	findCmd.Flags().Int64VarP(&limit, "limit", "l", 0, "maximum number of documents")

	distinctCmd := &cobra.Command{
		Use:   "distinct <field>",
		Short: "Print the distinct values of a field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTemplate(cmd.Context(), func(ctx context.Context, t *docmap.Template, q docmap.Query) error {
				var values []docmap.Value
				if err := t.FindDistinct(ctx, q, args[0], nil, &values, docmap.InCollection(collection)); err != nil {
					return err
				}
				return printLines(values)
			})
		},
	}

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print the number of matching documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTemplate(cmd.Context(), func(ctx context.Context, t *docmap.Template, q docmap.Query) error {
				n, err := t.Count(ctx, q, nil, docmap.InCollection(collection))
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove matching documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter == "" {
				return fmt.Errorf("remove requires --filter, use '{}' to remove every document")
			}
			return withTemplate(cmd.Context(), func(ctx context.Context, t *docmap.Template, q docmap.Query) error {
				n, err := t.Remove(ctx, q, nil, docmap.InCollection(collection))
				if err != nil {
					return err
				}
				fmt.Printf("removed %d\n", n)
				return nil
			})
		},
	}

	var countOut string
	var sums, avgs, mins, maxs []string
	groupCmd := &cobra.Command{
		Use:   "group [field...]",
		Short: "Group matching documents and print one row per group",
		RunE: func(cmd *cobra.Command, args []string) error {
			g := docmap.Group(args...)
			if countOut != "" {
				g = g.Count(countOut)
			}
			for _, spec := range sums {
				field, out := accumulatorSpec(spec)
				g = g.Sum(field, out)
			}
			for _, spec := range avgs {
				field, out := accumulatorSpec(spec)
				g = g.Avg(field, out)
			}
			for _, spec := range mins {
				field, out := accumulatorSpec(spec)
				g = g.Min(field, out)
			}
			for _, spec := range maxs {
				field, out := accumulatorSpec(spec)
				g = g.Max(field, out)
			}

			return withTemplate(cmd.Context(), func(ctx context.Context, t *docmap.Template, q docmap.Query) error {
				var stages []docmap.Stage
				if c := q.Criteria(); c != nil {
					stages = append(stages, docmap.Match(c))
				}
				stages = append(stages, g)

				res, err := t.Aggregate(ctx, docmap.NewAggregation(stages...), nil, docmap.InCollection(collection))
				if err != nil {
					return err
				}
				return printLines(res.Raw())
			})
		},
	}
	groupCmd.Flags().StringVar(&countOut, "count", "", "output name for the group size")
	groupCmd.Flags().StringSliceVar(&sums, "sum", nil, "field[:out] to sum")
	groupCmd.Flags().StringSliceVar(&avgs, "avg", nil, "field[:out] to average")
	groupCmd.Flags().StringSliceVar(&mins, "min", nil, "field[:out] minimum")
	groupCmd.Flags().StringSliceVar(&maxs, "max", nil, "field[:out] maximum")

	rootCmd.AddCommand(findCmd, distinctCmd, countCmd, removeCmd, groupCmd)
}

// withTemplate loads the configuration, opens the store and runs fn with the
// query built from --filter.
func withTemplate(ctx context.Context, fn func(ctx context.Context, t *docmap.Template, q docmap.Query) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var files []string
	if configFile != "" {
		files = append(files, configFile)
	}
	cfg, err := docmap.LoadConfig("DOCMAP_", files...)
	if err != nil {
		return err
	}

	logger, err := docmap.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	criteria, err := docmap.ParseFilter(filter)
	if err != nil {
		return err
	}

	store, closeFn, err := docmap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	logger.Debug("store opened", zap.String("backend", cfg.Backend), zap.String("collection", collection))

	t := docmap.New(store, docmap.WithLogger(logger))
	return fn(ctx, t, docmap.QueryFrom(criteria))
}

// accumulatorSpec splits "field:out". Without an output name the field name
// is reused.
func accumulatorSpec(spec string) (field, out string) {
	field, out, ok := strings.Cut(spec, ":")
	if !ok {
		out = field
		if i := strings.LastIndexByte(field, '.'); i >= 0 {
			out = field[i+1:]
		}
	}
	return field, out
}

func printLines[T any](rows []T) error {
	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
