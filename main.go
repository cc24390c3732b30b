package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cliutil "github.com/bluesky-social/indigo/util/cliutil"
	logging "github.com/ipfs/go-log"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"github.com/whyrusleeping/predictcam/capture"
	"github.com/whyrusleeping/predictcam/classify"
	"github.com/whyrusleeping/predictcam/display"
	"github.com/whyrusleeping/predictcam/models"
)

var log = logging.Logger("predictcam")

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "predictcam"
	app.Usage = "send photos to an image classifier and show what it thinks they are"
	app.Version = version

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}
	app.Before = func(cctx *cli.Context) error {
		return logging.SetLogLevel("*", cctx.String("log-level"))
	}
	app.Commands = []*cli.Command{
		predictCmd,
		serveCmd,
		historyCmd,
		tokenCmd,
	}

	app.RunAndExitOnError()
}

var classifierFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "classifier-url",
		Usage:    "base url of the classification server, e.g. http://10.0.2.2:8001/",
		Required: true,
		EnvVars:  []string{"CLASSIFIER_URL"},
	},
	&cli.DurationFlag{
		Name:    "classifier-timeout",
		Value:   30 * time.Second,
		EnvVars: []string{"CLASSIFIER_TIMEOUT"},
	},
}

var databaseFlag = &cli.StringFlag{
	Name:    "database-url",
	Usage:   "sqlite://path or postgres:// url; history is disabled when empty",
	EnvVars: []string{"DATABASE_URL"},
}

func classifierFromFlags(cctx *cli.Context) (*classify.Client, error) {
	return classify.NewClient(classify.Config{
		BaseURL:   cctx.String("classifier-url"),
		Timeout:   cctx.Duration("classifier-timeout"),
		UserAgent: "predictcam/" + cctx.App.Version,
	})
}

func historyFromFlags(cctx *cli.Context) (*History, error) {
	dburl := cctx.String("database-url")
	if dburl == "" {
		return nil, nil
	}

	log.Info("Connecting to database")
	db, err := cliutil.SetupDatabase(dburl, 10)
	if err != nil {
		return nil, err
	}

	return NewHistory(db)
}

var predictCmd = &cli.Command{
	Name:      "predict",
	Usage:     "classify one or more image files",
	ArgsUsage: "<image> [image...]",
	Flags: append([]cli.Flag{
		databaseFlag,
		&cli.StringFlag{
			Name:  "format",
			Value: "table",
			Usage: "table, json or yaml",
		},
	}, classifierFlags...),
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return fmt.Errorf("must pass at least one image")
		}

		pc, err := classifierFromFlags(cctx)
		if err != nil {
			return err
		}

		hist, err := historyFromFlags(cctx)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		sub := NewImageSubmitter(pc, hist)

		var failed int
		var results []*Result
		for _, fn := range cctx.Args().Slice() {
			payload, err := capture.FromFile(fn)
			if err != nil {
				return fmt.Errorf("loading %s: %w", fn, err)
			}

			res, err := sub.Submit(ctx, payload)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: %s\n", fn, res.Message)
				if classify.KindOf(err) == classify.KindCanceled {
					break
				}
				continue
			}
			results = append(results, res)
		}

		if err := writeResults(os.Stdout, cctx.String("format"), results); err != nil {
			return err
		}

		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d predictions failed", failed, cctx.NArg()), 1)
		}
		return nil
	},
}

func writeResults(w io.Writer, format string, results []*Result) error {
	switch format {
	case "table":
		for _, res := range results {
			fmt.Fprintf(w, "%s (%s)\n", res.Filename, res.ID)
			if err := display.WriteTable(w, res.Predictions); err != nil {
				return err
			}
			fmt.Fprintln(w)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "yaml":
		return yaml.NewEncoder(w).Encode(results)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the upload and live preview front end",
	Flags: append([]cli.Flag{
		databaseFlag,
		&cli.StringFlag{
			Name:    "listen",
			Value:   ":3339",
			EnvVars: []string{"LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name: "auto-tls-domain",
		},
		&cli.StringFlag{
			Name:    "auth-secret",
			Usage:   "HS256 secret for bearer tokens; no auth when empty",
			EnvVars: []string{"AUTH_SECRET"},
		},
		&cli.IntFlag{
			Name:  "recent-results",
			Value: 1000,
		},
		&cli.IntFlag{
			Name:  "recent-images",
			Usage: "number of submitted photos kept in memory for /results/:id/image",
			Value: 100,
		},
		&cli.DurationFlag{
			Name:  "history-retention",
			Usage: "delete recorded runs older than this; keep everything when zero",
		},
	}, classifierFlags...),
	Action: func(cctx *cli.Context) error {
		pc, err := classifierFromFlags(cctx)
		if err != nil {
			return err
		}

		hist, err := historyFromFlags(cctx)
		if err != nil {
			return err
		}

		s, err := NewServer(NewImageSubmitter(pc, hist), hist, ServerConfig{
			RecentResults: cctx.Int("recent-results"),
			RecentImages:  cctx.Int("recent-images"),
			AuthSecret:    []byte(cctx.String("auth-secret")),
		})
		if err != nil {
			return err
		}

		log.Infof("Configuring HTTP server, classifier at %s", pc.Endpoint())
		e := s.Echo()

		atd := cctx.String("auto-tls-domain")
		if atd != "" {
			cachedir, err := os.UserCacheDir()
			if err != nil {
				return err
			}

			e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(atd)
			// Cache certificates to avoid issues with rate limits (https://letsencrypt.org/docs/rate-limits)
			e.AutoTLSManager.Cache = autocert.DirCache(filepath.Join(cachedir, "certs"))
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if keep := cctx.Duration("history-retention"); hist != nil && keep > 0 {
			go hist.runRetention(ctx, keep)
		}

		errc := make(chan error, 1)
		go func() {
			if atd != "" {
				errc <- e.StartAutoTLS(":443")
			} else {
				errc <- e.Start(cctx.String("listen"))
			}
		}()

		select {
		case err := <-errc:
			return fmt.Errorf("http server exited: %w", err)
		case <-ctx.Done():
		}

		log.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		return e.Shutdown(sctx)
	},
}

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "list recent predictions",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Required: true,
			EnvVars:  []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 20,
		},
		&cli.StringFlag{
			Name:  "format",
			Value: "table",
			Usage: "table, json or yaml",
		},
	},
	Action: func(cctx *cli.Context) error {
		hist, err := historyFromFlags(cctx)
		if err != nil {
			return err
		}

		runs, err := hist.Recent(cctx.Context, cctx.Int("limit"))
		if err != nil {
			return fmt.Errorf("loading history: %w", err)
		}

		return writeRuns(os.Stdout, cctx.String("format"), runs)
	},
}

func writeRuns(w io.Writer, format string, runs []models.PredictionRun) error {
	switch format {
	case "table":
		for _, run := range runs {
			fmt.Fprintf(w, "%s  %s  %s  %s  %dms\n", run.Tid, run.CreatedAt.Format(time.RFC3339), run.Filename, run.Outcome, run.LatencyMs)
			if !run.Succeeded() {
				fmt.Fprintf(w, "    %s\n", run.Error)
				continue
			}
			for _, row := range display.Rows(entriesToPredictions(run.Entries)) {
				fmt.Fprintf(w, "    %s %s %s\n", row.Genus, row.Species, row.Probability)
			}
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "yaml":
		return yaml.NewEncoder(w).Encode(runs)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func entriesToPredictions(ents []models.PredictionEntry) []classify.Prediction {
	out := make([]classify.Prediction, 0, len(ents))
	for _, ent := range ents {
		out = append(out, classify.Prediction{
			Label:       ent.Label,
			Probability: ent.Probability,
		})
	}
	return out
}

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "mint a bearer token for a serve instance",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "auth-secret",
			Required: true,
			EnvVars:  []string{"AUTH_SECRET"},
		},
		&cli.StringFlag{
			Name:  "subject",
			Value: "camera",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Value: 30 * 24 * time.Hour,
		},
	},
	Action: func(cctx *cli.Context) error {
		tok, err := mintToken([]byte(cctx.String("auth-secret")), cctx.String("subject"), cctx.Duration("ttl"))
		if err != nil {
			return err
		}

		fmt.Println(tok)
		return nil
	},
}
