package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/bayestream/bayestream/mods/filter"
	"github.com/bayestream/bayestream/mods/logging"
	"github.com/bayestream/bayestream/mods/stream"
	"github.com/jedib0t/go-pretty/v6/table"
	"gonum.org/v1/gonum/mat"
)

type CLI struct {
	Input string `arg:"" optional:"" default:"-" help:"CSV file with key,value rows ('-' for stdin)"`

	ProcessNoise      float64 `name:"process-noise" default:"0.01" help:"process noise variance"`
	MeasurementNoise  float64 `name:"measurement-noise" default:"1.0" help:"measurement noise variance"`
	InitialCovariance float64 `name:"initial-covariance" default:"10.0" help:"initial state variance"`
	FadingFactor      float64 `name:"fading-factor" default:"1.0" help:"fading factor (>= 1)"`
	Window            int     `name:"window" default:"0" help:"sliding likelihood window size (0 disables)"`

	LogFilename string `name:"log-filename" default:"-" help:"log file path"`
	LogLevel    string `name:"log-level" default:"WARN" help:"TRACE, DEBUG, INFO, WARN, ERROR"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("bayestream"),
		kong.Description("Run a per-key Kalman filter over a stream of key,value measurements."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	logging.Configure(&logging.Config{
		Filename:     cli.LogFilename,
		Append:       true,
		DefaultLevel: cli.LogLevel,
	})
	log := logging.GetLog("bayestream")

	est, err := filter.NewLinearKalman(filter.KalmanConfig{
		StateSize:         1,
		MeasurementSize:   1,
		InitialCovariance: mat.NewDense(1, 1, []float64{cli.InitialCovariance}),
		ProcessNoise:      mat.NewDense(1, 1, []float64{cli.ProcessNoise}),
		MeasurementNoise:  mat.NewDense(1, 1, []float64{cli.MeasurementNoise}),
		FadingFactor:      cli.FadingFactor,
		LikelihoodWindow:  cli.Window,
	})
	if err != nil {
		return err
	}

	pipe := stream.New[*filter.State, filter.Input]("cli", est)
	defer pipe.Close()

	var reader io.Reader = os.Stdin
	if cli.Input != "-" {
		f, err := os.Open(cli.Input)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}

	rows := csv.NewReader(reader)
	rows.FieldsPerRecord = -1
	lineNo := 0
	for {
		record, err := rows.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		lineNo++
		if len(record) < 2 {
			log.Warnf("line %d: expected key,value", lineNo)
			continue
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			log.Warnf("line %d: %s", lineNo, err.Error())
			continue
		}
		in := filter.Input{
			Key:         record[0],
			Measurement: mat.NewVecDense(1, []float64{value}),
		}
		if _, err := pipe.Feed(record[0], in); err != nil {
			log.Errorf("line %d: %s", lineNo, err.Error())
		}
	}

	keys := pipe.Keys()
	sort.Strings(keys)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"KEY", "STEPS", "ESTIMATE", "VARIANCE"})
	for _, key := range keys {
		st, ok := pipe.State(key)
		if !ok {
			continue
		}
		t.AppendRow(table.Row{
			key,
			st.Index,
			fmt.Sprintf("%.6f", st.Mean.AtVec(0)),
			fmt.Sprintf("%.6f", st.Covariance.At(0, 0)),
		})
	}
	t.Render()
	return nil
}
