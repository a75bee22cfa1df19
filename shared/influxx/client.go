package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"trinity-symphony-coordination/shared/config"
)

// Client writes coordination execution metrics to InfluxDB. All writes are
// best-effort; callers count failures and move on.
type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

func (c *Client) WriteTaskExecution(ctx context.Context, deployment string, category string, success bool, latencyMS int64, cost float64, quality float64) error {
	tags := map[string]string{
		"deployment": deployment,
		"category":   category,
	}
	if success {
		tags["outcome"] = "success"
	} else {
		tags["outcome"] = "failure"
	}
	fields := map[string]any{
		"latency_ms": latencyMS,
		"cost":       cost,
	}
	if quality > 0 {
		fields["quality"] = quality
	}
	return c.writePoint(ctx, "task_execution", tags, fields)
}

func (c *Client) WriteHeartbeat(ctx context.Context, deployment string, status string, utilization float64, queueDepth int) error {
	tags := map[string]string{
		"deployment": deployment,
		"status":     status,
	}
	fields := map[string]any{
		"utilization": utilization,
		"queue_depth": queueDepth,
	}
	return c.writePoint(ctx, "deployment_heartbeat", tags, fields)
}

func (c *Client) writePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	p := influxdb2.NewPoint(measurement, tags, fields, time.Now().UTC())
	writeAPI := c.client.WriteAPIBlocking(c.org, c.bucket)
	return writeAPI.WritePoint(ctx, p)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
