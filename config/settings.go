package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CONDAGENT_API_PORT.
const EnvPrefix = "CONDAGENT"

// Settings is the full process configuration.
type Settings struct {
	API        APISettings        `mapstructure:"api"`
	Log        LogSettings        `mapstructure:"log"`
	Telemetry  TelemetrySettings  `mapstructure:"telemetry"`
	Guardrails GuardrailSettings  `mapstructure:"guardrails"`
	Prediction PredictionSettings `mapstructure:"prediction"`
	Evaluation EvaluationSettings `mapstructure:"evaluation"`
	Documents  DocumentSettings   `mapstructure:"documents"`
	AWS        AWSSettings        `mapstructure:"aws"`
	LLM        LLMSettings        `mapstructure:"llm"`
	Database   DatabaseSettings   `mapstructure:"database"`
	Redis      RedisSettings      `mapstructure:"redis"`
	Mongo      MongoSettings      `mapstructure:"mongo"`
	NATS       NATSSettings       `mapstructure:"nats"`
}

type APISettings struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs"`
}

// Addr returns host:port for the HTTP listener.
func (a APISettings) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetrySettings struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type GuardrailSettings struct {
	Enabled                bool    `mapstructure:"enabled"`
	ConfidenceThreshold    float64 `mapstructure:"confidence_threshold"`
	RequireCitations       bool    `mapstructure:"require_citations"`
	CostBudgetUSD          float64 `mapstructure:"cost_budget_usd"`
	MaxExecutionSeconds    int     `mapstructure:"max_execution_timeout_seconds"`
	HighPriorityConfidence float64 `mapstructure:"high_priority_confidence"`
	RulesFile              string  `mapstructure:"rules_file"`
}

type PredictionSettings struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	AssistantID string        `mapstructure:"assistant_id"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EvaluationSettings struct {
	URL                string        `mapstructure:"url"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DAGID              string        `mapstructure:"dag_id"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxWait            time.Duration `mapstructure:"max_wait"`
	ResultPollInterval time.Duration `mapstructure:"result_poll_interval"`
	ResultMaxWait      time.Duration `mapstructure:"result_max_wait"`
	OutputBucket       string        `mapstructure:"output_bucket"`
}

type DocumentSettings struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type AWSSettings struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	RoleARN         string `mapstructure:"role_arn"`
}

type LLMSettings struct {
	Provider           string  `mapstructure:"provider"`
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"`
	PlannerModel       string  `mapstructure:"planner_model"`
	SolverModel        string  `mapstructure:"solver_model"`
	PlannerTemperature float64 `mapstructure:"planner_temperature"`
	SolverTemperature  float64 `mapstructure:"solver_temperature"`
	AnthropicModel     string  `mapstructure:"anthropic_model"`
	GeminiModel        string  `mapstructure:"gemini_model"`
	GroqModel          string  `mapstructure:"groq_model"`
}

type DatabaseSettings struct {
	URL string `mapstructure:"url"`
}

type RedisSettings struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type MongoSettings struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type NATSSettings struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

var defaults = map[string]any{
	"api.host":                "0.0.0.0",
	"api.port":                8000,
	"api.max_concurrent_runs": 16,

	"log.level":  "info",
	"log.format": "json",

	"telemetry.enabled":      false,
	"telemetry.service_name": "conditions-agent",
	"telemetry.environment":  "development",
	"telemetry.endpoint":     "",
	"telemetry.sample_ratio": 1.0,

	"guardrails.enabled":                       true,
	"guardrails.confidence_threshold":          0.7,
	"guardrails.require_citations":             true,
	"guardrails.cost_budget_usd":               5.0,
	"guardrails.max_execution_timeout_seconds": 30,
	"guardrails.high_priority_confidence":      0.85,
	"guardrails.rules_file":                    "",

	"prediction.url":          "",
	"prediction.api_key":      "",
	"prediction.assistant_id": "agent",
	"prediction.timeout":      "300s",

	"evaluation.url":                  "",
	"evaluation.username":             "",
	"evaluation.password":             "",
	"evaluation.dag_id":               "check_condition_v3",
	"evaluation.poll_interval":        "10s",
	"evaluation.max_wait":             "600s",
	"evaluation.result_poll_interval": "5s",
	"evaluation.result_max_wait":      "180s",
	"evaluation.output_bucket":        "",

	"documents.url":     "",
	"documents.api_key": "",

	"aws.region":            "us-east-1",
	"aws.access_key_id":     "",
	"aws.secret_access_key": "",
	"aws.session_token":     "",
	"aws.role_arn":          "",

	"llm.provider":            "openai",
	"llm.api_key":             "",
	"llm.base_url":            "",
	"llm.planner_model":       "gpt-4o-mini",
	"llm.solver_model":        "gpt-4o-mini",
	"llm.planner_temperature": 0.1,
	"llm.solver_temperature":  0.3,
	"llm.anthropic_model":     "claude-sonnet-4-5-20250929",
	"llm.gemini_model":        "gemini-1.5-flash",
	"llm.groq_model":          "llama-3.1-8b-instant",

	"database.url": "",

	"redis.addr":     "",
	"redis.password": "",
	"redis.db":       0,
	"redis.ttl":      "24h",

	"mongo.uri":      "",
	"mongo.database": "conditions_agent",

	"nats.url":            "",
	"nats.subject_prefix": "conditions.workflow",
}

// Load reads settings from defaults, the optional config file and CONDAGENT_*
// environment variables, in increasing precedence, and validates the result.
func Load(path string) (*Settings, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// NewViper returns a viper instance with every default registered and env
// binding enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the settings produced by defaults alone.
func Default() *Settings {
	var s Settings
	// Defaults are static; a decode failure here is a programming error.
	if err := NewViper().Unmarshal(&s); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &s
}

// Validate checks the settings. Remote service URLs are optional so that a
// partially wired process (e.g. the MCP server) can start; dependent
// credentials are required once a URL is present.
func (s *Settings) Validate() error {
	v := NewValidator()

	v.RequireNonEmpty("api.host", s.API.Host).
		ValidatePort("api.port", s.API.Port).
		RequirePositive("api.max_concurrent_runs", s.API.MaxConcurrentRuns).
		ValidateOneOf("log.format", strings.ToLower(s.Log.Format), "json", "text").
		ValidateOneOf("log.level", strings.ToLower(s.Log.Level), "debug", "info", "warn", "warning", "error")

	v.ValidateFloatRange("guardrails.confidence_threshold", s.Guardrails.ConfidenceThreshold, 0, 1).
		ValidateFloatRange("guardrails.high_priority_confidence", s.Guardrails.HighPriorityConfidence, 0, 1).
		RequirePositive("guardrails.max_execution_timeout_seconds", s.Guardrails.MaxExecutionSeconds).
		ValidateFloatRange("telemetry.sample_ratio", s.Telemetry.SampleRatio, 0, 1)
	if s.Guardrails.CostBudgetUSD < 0 {
		v.add("guardrails.cost_budget_usd", "value must not be negative, got %.2f", s.Guardrails.CostBudgetUSD)
	}

	v.RequireWhen(s.Prediction.URL != "", "prediction.api_key", s.Prediction.APIKey).
		RequireWhen(s.Prediction.URL != "", "prediction.assistant_id", s.Prediction.AssistantID).
		RequirePositiveDuration("prediction.timeout", s.Prediction.Timeout)

	v.RequireWhen(s.Evaluation.URL != "", "evaluation.username", s.Evaluation.Username).
		RequireWhen(s.Evaluation.URL != "", "evaluation.dag_id", s.Evaluation.DAGID).
		RequirePositiveDuration("evaluation.poll_interval", s.Evaluation.PollInterval).
		RequirePositiveDuration("evaluation.max_wait", s.Evaluation.MaxWait).
		RequirePositiveDuration("evaluation.result_poll_interval", s.Evaluation.ResultPollInterval).
		RequirePositiveDuration("evaluation.result_max_wait", s.Evaluation.ResultMaxWait)

	v.RequireNonEmpty("aws.region", s.AWS.Region)
	if (s.AWS.AccessKeyID == "") != (s.AWS.SecretAccessKey == "") {
		v.add("aws.secret_access_key", "access key id and secret access key must be set together")
	}

	v.ValidateOneOf("llm.provider", s.LLM.Provider, "openai", "claude", "gemini", "groq", "none").
		RequireWhen(s.LLM.Provider != "none", "llm.api_key", s.LLM.APIKey).
		ValidateFloatRange("llm.planner_temperature", s.LLM.PlannerTemperature, 0, 2).
		ValidateFloatRange("llm.solver_temperature", s.LLM.SolverTemperature, 0, 2)

	if s.Redis.Addr != "" {
		v.ValidateDBNumber("redis.db", s.Redis.DB).
			RequirePositiveDuration("redis.ttl", s.Redis.TTL)
	}
	v.RequireWhen(s.Mongo.URI != "", "mongo.database", s.Mongo.Database)
	v.RequireWhen(s.NATS.URL != "", "nats.subject_prefix", s.NATS.SubjectPrefix)

	return v.Error()
}

// MaxExecution returns the execution timeout guardrail as a duration.
func (g GuardrailSettings) MaxExecution() time.Duration {
	return time.Duration(g.MaxExecutionSeconds) * time.Second
}
