package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"

	DefaultModel             = "gpt-4.1-mini"
	DefaultSystemInstruction = "You are a helpful AI assistant. Provide clear, concise, and accurate responses."
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// AIConfig 描述大模型相关配置。凭证不在这里：它由每个会话在运行时提供。
type AIConfig struct {
	Provider          string
	BaseURL           string
	Region            string
	Model             string
	SystemInstruction string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
}

// LogConfig 控制 zerolog 输出。
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// TelemetryConfig 描述 OTLP trace 导出配置，URL 为空时不启用。
type TelemetryConfig struct {
	URL string
}

// Load 从 config.yaml（可选）与环境变量加载配置。环境变量使用 CHAT_ 前缀，例如 CHAT_AI_MODEL。
func Load() (*Config, error) {
	return LoadFrom(newViper())
}

// LoadFrom 使用给定的 viper 实例加载配置，便于测试注入。
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时只使用环境变量
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		AI:     ai,
		Log: LogConfig{
			Level:  strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
			Format: strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
			File:   strings.TrimSpace(v.GetString("log.file")),
		},
		Telemetry: TelemetryConfig{
			URL: strings.TrimSpace(v.GetString("telemetry.url")),
		},
	}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 兼容平台注入的 PORT
	_ = v.BindEnv("server.port", "CHAT_SERVER_PORT", "PORT")

	SetDefaults(v)
	return v
}

// SetDefaults 注册所有配置项的默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("ai.provider", ProviderOpenAI)
	v.SetDefault("ai.region", "cn-beijing")
	v.SetDefault("ai.model", DefaultModel)
	v.SetDefault("ai.system_instruction", DefaultSystemInstruction)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	if addr := strings.TrimSpace(v.GetString("server.addr")); addr != "" {
		return ServerConfig{Addr: addr}, nil
	}

	port := strings.TrimSpace(v.GetString("server.port"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, errors.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadAIConfig(v *viper.Viper) (AIConfig, error) {
	provider := strings.ToLower(strings.TrimSpace(v.GetString("ai.provider")))
	switch provider {
	case ProviderOpenAI, ProviderArk:
	default:
		return AIConfig{}, errors.Errorf("invalid ai.provider value %q: expected %q or %q", provider, ProviderOpenAI, ProviderArk)
	}

	temperature, err := optionalFloat(v, "ai.temperature")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := optionalFloat(v, "ai.top_p")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := optionalInt(v, "ai.max_tokens")
	if err != nil {
		return AIConfig{}, err
	}

	baseURL := strings.TrimSpace(v.GetString("ai.base_url"))
	if baseURL == "" && provider == ProviderArk {
		baseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}

	model := strings.TrimSpace(v.GetString("ai.model"))
	if model == "" {
		model = DefaultModel
	}

	instruction := strings.TrimSpace(v.GetString("ai.system_instruction"))
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}

	return AIConfig{
		Provider:          provider,
		BaseURL:           baseURL,
		Region:            strings.TrimSpace(v.GetString("ai.region")),
		Model:             model,
		SystemInstruction: instruction,
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
	}, nil
}

func optionalFloat(v *viper.Viper, key string) (*float64, error) {
	if !v.IsSet(key) || strings.TrimSpace(v.GetString(key)) == "" {
		return nil, nil
	}

	raw := v.GetString(key)
	val, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s value %q", key, raw)
	}
	return &val, nil
}

func optionalInt(v *viper.Viper, key string) (*int, error) {
	if !v.IsSet(key) || strings.TrimSpace(v.GetString(key)) == "" {
		return nil, nil
	}

	raw := v.GetString(key)
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s value %q", key, raw)
	}
	return &val, nil
}
