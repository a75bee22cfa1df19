package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	DeploymentID     string
	Transport        string
	Capabilities     []string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaWriteMS     int
	QueueMaxSize     int
	QueueProcessMS   int
	QueueBatchSize   int
	PublishTimeoutMS int
	HeartbeatSec     int
	TaskTimeoutMS    int
	ExecutorURL      string
	ExecutorMS       int
	ExecutorRetryMax int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxTimeoutMS  int
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelSampleRatio  float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,
		DeploymentID:     strings.TrimSpace(os.Getenv("DEPLOYMENT_ID")),
		Transport:        "redis",
		Capabilities:     nil,
		RedisAddr:        "",
		RedisPassword:    "",
		RedisDB:          0,
		KafkaBrokers:     nil,
		KafkaClientID:    "",
		KafkaGroupID:     "",
		KafkaWriteMS:     5000,
		QueueMaxSize:     1000,
		QueueProcessMS:   100,
		QueueBatchSize:   10,
		PublishTimeoutMS: 2000,
		HeartbeatSec:     30,
		TaskTimeoutMS:    30000,
		ExecutorURL:      "",
		ExecutorMS:       10000,
		ExecutorRetryMax: 2,
		InfluxURL:        "",
		InfluxToken:      "",
		InfluxOrg:        "",
		InfluxBucket:     "",
		InfluxTimeoutMS:  5000,
		OtelEnabled:      false,
		OtelEndpoint:     "",
		OtelInsecure:     true,
		OtelSampleRatio:  1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DeploymentID == "" {
		problems = append(problems, Problem{Field: "DEPLOYMENT_ID", Message: "DEPLOYMENT_ID is required"})
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "redis", "kafka":
		cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	default:
		problems = append(problems, Problem{Field: "TRANSPORT", Message: "TRANSPORT must be redis or kafka"})
		cfg.Transport = "redis"
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.QueueMaxSize <= 0 {
		problems = append(problems, Problem{Field: "QUEUE_MAX_SIZE", Message: "QUEUE_MAX_SIZE must be > 0"})
		cfg.QueueMaxSize = 1000
	}
	if cfg.QueueProcessMS <= 0 {
		problems = append(problems, Problem{Field: "QUEUE_PROCESS_INTERVAL_MS", Message: "QUEUE_PROCESS_INTERVAL_MS must be > 0"})
		cfg.QueueProcessMS = 100
	}
	if cfg.QueueBatchSize <= 0 {
		problems = append(problems, Problem{Field: "QUEUE_BATCH_SIZE", Message: "QUEUE_BATCH_SIZE must be > 0"})
		cfg.QueueBatchSize = 10
	}
	if cfg.PublishTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "PUBLISH_TIMEOUT_MS", Message: "PUBLISH_TIMEOUT_MS must be > 0"})
		cfg.PublishTimeoutMS = 2000
	}
	if cfg.HeartbeatSec <= 0 {
		problems = append(problems, Problem{Field: "HEARTBEAT_INTERVAL_SECONDS", Message: "HEARTBEAT_INTERVAL_SECONDS must be > 0"})
		cfg.HeartbeatSec = 30
	}
	if cfg.TaskTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "TASK_TIMEOUT_MS", Message: "TASK_TIMEOUT_MS must be > 0"})
		cfg.TaskTimeoutMS = 30000
	}
	if cfg.ExecutorMS <= 0 {
		problems = append(problems, Problem{Field: "EXECUTOR_TIMEOUT_MS", Message: "EXECUTOR_TIMEOUT_MS must be > 0"})
		cfg.ExecutorMS = 10000
	}
	if cfg.ExecutorRetryMax < 0 {
		problems = append(problems, Problem{Field: "EXECUTOR_RETRY_MAX", Message: "EXECUTOR_RETRY_MAX must be >= 0"})
		cfg.ExecutorRetryMax = 2
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("REQUEST_TIMEOUT_MS")); v != "" {
		applyIntEnv(v, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("DEPLOYMENT_ID")); v != "" {
		cfg.DeploymentID = v
	}
	if v := strings.TrimSpace(os.Getenv("TRANSPORT")); v != "" {
		cfg.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("CAPABILITIES")); v != "" {
		cfg.Capabilities = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.RedisPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		applyIntEnv(v, "REDIS_DB", &cfg.RedisDB, problems)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")); v != "" {
		cfg.KafkaGroupID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_WRITE_TIMEOUT_MS")); v != "" {
		applyIntEnv(v, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_MAX_SIZE")); v != "" {
		applyIntEnv(v, "QUEUE_MAX_SIZE", &cfg.QueueMaxSize, problems)
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_PROCESS_INTERVAL_MS")); v != "" {
		applyIntEnv(v, "QUEUE_PROCESS_INTERVAL_MS", &cfg.QueueProcessMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_BATCH_SIZE")); v != "" {
		applyIntEnv(v, "QUEUE_BATCH_SIZE", &cfg.QueueBatchSize, problems)
	}
	if v := strings.TrimSpace(os.Getenv("PUBLISH_TIMEOUT_MS")); v != "" {
		applyIntEnv(v, "PUBLISH_TIMEOUT_MS", &cfg.PublishTimeoutMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("HEARTBEAT_INTERVAL_SECONDS")); v != "" {
		applyIntEnv(v, "HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatSec, problems)
	}
	if v := strings.TrimSpace(os.Getenv("TASK_TIMEOUT_MS")); v != "" {
		applyIntEnv(v, "TASK_TIMEOUT_MS", &cfg.TaskTimeoutMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("EXECUTOR_URL")); v != "" {
		cfg.ExecutorURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECUTOR_TIMEOUT_MS")); v != "" {
		applyIntEnv(v, "EXECUTOR_TIMEOUT_MS", &cfg.ExecutorMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("EXECUTOR_RETRY_MAX")); v != "" {
		applyIntEnv(v, "EXECUTOR_RETRY_MAX", &cfg.ExecutorRetryMax, problems)
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_TOKEN")); v != "" {
		cfg.InfluxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_ORG")); v != "" {
		cfg.InfluxOrg = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_BUCKET")); v != "" {
		cfg.InfluxBucket = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_TIMEOUT_MS")); v != "" {
		applyIntEnv(v, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, problems)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelEnabled = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_ENABLED", Message: "OTEL_ENABLED must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelInsecure = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_EXPORTER_OTLP_INSECURE", Message: "OTEL_EXPORTER_OTLP_INSECURE must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyIntEnv(raw string, field string, dst *int, problems *[]Problem) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.ServiceName = strings.TrimSpace(s)
			}
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.LogLevel = strings.TrimSpace(s)
			}
		case "REQUEST_TIMEOUT_MS":
			applyIntKey(v, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, problems)
		case "DEPLOYMENT_ID":
			if s, ok := v.(string); ok {
				cfg.DeploymentID = strings.TrimSpace(s)
			}
		case "TRANSPORT":
			if s, ok := v.(string); ok {
				cfg.Transport = strings.TrimSpace(s)
			}
		case "CAPABILITIES":
			if s, ok := v.(string); ok {
				cfg.Capabilities = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.Capabilities = parseAnyCSV(arr)
			}
		case "REDIS_ADDR":
			if s, ok := v.(string); ok {
				cfg.RedisAddr = strings.TrimSpace(s)
			}
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			applyIntKey(v, "REDIS_DB", &cfg.RedisDB, problems)
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "KAFKA_CLIENT_ID":
			if s, ok := v.(string); ok {
				cfg.KafkaClientID = strings.TrimSpace(s)
			}
		case "KAFKA_CONSUMER_GROUP":
			if s, ok := v.(string); ok {
				cfg.KafkaGroupID = strings.TrimSpace(s)
			}
		case "KAFKA_WRITE_TIMEOUT_MS":
			applyIntKey(v, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, problems)
		case "QUEUE_MAX_SIZE":
			applyIntKey(v, "QUEUE_MAX_SIZE", &cfg.QueueMaxSize, problems)
		case "QUEUE_PROCESS_INTERVAL_MS":
			applyIntKey(v, "QUEUE_PROCESS_INTERVAL_MS", &cfg.QueueProcessMS, problems)
		case "QUEUE_BATCH_SIZE":
			applyIntKey(v, "QUEUE_BATCH_SIZE", &cfg.QueueBatchSize, problems)
		case "PUBLISH_TIMEOUT_MS":
			applyIntKey(v, "PUBLISH_TIMEOUT_MS", &cfg.PublishTimeoutMS, problems)
		case "HEARTBEAT_INTERVAL_SECONDS":
			applyIntKey(v, "HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatSec, problems)
		case "TASK_TIMEOUT_MS":
			applyIntKey(v, "TASK_TIMEOUT_MS", &cfg.TaskTimeoutMS, problems)
		case "EXECUTOR_URL":
			if s, ok := v.(string); ok {
				cfg.ExecutorURL = strings.TrimSpace(s)
			}
		case "EXECUTOR_TIMEOUT_MS":
			applyIntKey(v, "EXECUTOR_TIMEOUT_MS", &cfg.ExecutorMS, problems)
		case "EXECUTOR_RETRY_MAX":
			applyIntKey(v, "EXECUTOR_RETRY_MAX", &cfg.ExecutorRetryMax, problems)
		case "INFLUX_URL":
			if s, ok := v.(string); ok {
				cfg.InfluxURL = strings.TrimSpace(s)
			}
		case "INFLUX_TOKEN":
			if s, ok := v.(string); ok {
				cfg.InfluxToken = s
			}
		case "INFLUX_ORG":
			if s, ok := v.(string); ok {
				cfg.InfluxOrg = strings.TrimSpace(s)
			}
		case "INFLUX_BUCKET":
			if s, ok := v.(string); ok {
				cfg.InfluxBucket = strings.TrimSpace(s)
			}
		case "INFLUX_TIMEOUT_MS":
			applyIntKey(v, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, problems)
		case "OTEL_ENABLED":
			applyBoolKey(v, "OTEL_ENABLED", &cfg.OtelEnabled, problems)
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			if s, ok := v.(string); ok {
				cfg.OtelEndpoint = strings.TrimSpace(s)
			}
		case "OTEL_EXPORTER_OTLP_INSECURE":
			applyBoolKey(v, "OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure, problems)
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
			}
		}
	}
}

func applyIntKey(v any, field string, dst *int, problems *[]Problem) {
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func applyBoolKey(v any, field string, dst *bool, problems *[]Problem) {
	if s, ok := v.(string); ok {
		if b, ok := asBool(s); ok {
			*dst = b
			return
		}
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
		return
	}
	if b, ok := v.(bool); ok {
		*dst = b
		return
	}
	*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
