package alerting

import (
	"bytes"
	"errors"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
)

// ChartPoint is one sample on a rendered timeline.
type ChartPoint struct {
	Time  time.Time
	Value float64
}

// RenderTimeline draws a single-series PNG timeline for alert attachments.
func RenderTimeline(name string, points []ChartPoint) ([]byte, error) {
	if len(points) < 2 {
		return nil, errors.New("timeline needs at least two points")
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Time
		y[i] = p.Value
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: name,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    name,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	buf := &bytes.Buffer{}
	if err := graph.Render(chart.PNG, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
