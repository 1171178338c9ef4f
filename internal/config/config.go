package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Server    ServerConfig    `mapstructure:"server"`
	TTS       TTSConfig       `mapstructure:"tts"`
	LLM       LLMConfig       `mapstructure:"llm"`
	ASR       ASRConfig       `mapstructure:"asr"`
	Pose      PoseConfig      `mapstructure:"pose"`
	Transport TransportConfig `mapstructure:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	LogLevel  string          `mapstructure:"log_level"`
}

// LLMConfig controls the optional causal-LM token generator. Enabled gates
// whether serve loads the "llm" ONNX graph from Paths.PlatformManifest.
type LLMConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	TopK        int     `mapstructure:"top_k"`
	// EOSTokenIDs lists the checkpoint's end-of-text token ids. There is no
	// universal default — it depends entirely on the tokenizer the loaded
	// "llm" graph was trained with — so an empty list here means the
	// generator never recognizes a real end-of-text token and always runs
	// to MaxTokens.
	EOSTokenIDs       []int64 `mapstructure:"eos_token_ids"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
}

// ASRConfig controls the optional streaming transducer ASR pipeline. It
// loads the "asr_encoder"/"asr_decoder"/"asr_joiner" graphs from
// Paths.PlatformManifest.
type ASRConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	VocabPath         string  `mapstructure:"vocab_path"`
	SampleRate        int     `mapstructure:"sample_rate"`
	NumMelBins        int     `mapstructure:"num_mel_bins"`
	SilenceTimeoutSecs float64 `mapstructure:"silence_timeout_secs"`
}

// PoseConfig controls the optional keypoint-detection pipeline. It loads
// the "pose" graph from Paths.PlatformManifest.
type PoseConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	IoUThreshold   float64 `mapstructure:"iou_threshold"`
}

// TransportConfig controls the optional TCP broadcast server streaming LLM
// generation output to any connected DuplexClient.
type TransportConfig struct {
	GenerateAddr string `mapstructure:"generate_addr"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type PathsConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	VoicePath      string `mapstructure:"voice_path"`
	ONNXManifest   string `mapstructure:"onnx_manifest"`
	TokenizerModel string `mapstructure:"tokenizer_model"`
	// PlatformManifest points at the ONNX manifest housing the "llm",
	// "asr_encoder", "asr_decoder", "asr_joiner", and "pose" graphs —
	// separate from ONNXManifest, which only ever describes the TTS
	// pipeline's own sessions.
	PlatformManifest string `mapstructure:"platform_manifest"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ConvWorkers    int    `mapstructure:"conv_workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	GRPCAddr        string `mapstructure:"grpc_addr"`
	Workers         int    `mapstructure:"workers"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_secs"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout_secs"`
}

type TTSConfig struct {
	Backend        string  `mapstructure:"backend"`
	Voice          string  `mapstructure:"voice"`
	CLIPath        string  `mapstructure:"cli_path"`
	CLIConfigPath  string  `mapstructure:"cli_config_path"`
	Concurrency    int     `mapstructure:"concurrency"`
	Quiet          bool    `mapstructure:"quiet"`
	Temperature    float64 `mapstructure:"temperature"`
	EOSThreshold   float64 `mapstructure:"eos_threshold"`
	MaxSteps       int     `mapstructure:"max_steps"`
	LSDDecodeSteps int     `mapstructure:"lsd_decode_steps"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:        "models/tts_b6369a24.safetensors",
			VoicePath:        "models/voice.bin",
			ONNXManifest:     "models/onnx/manifest.json",
			TokenizerModel:   "models/tokenizer.model",
			PlatformManifest: "models/onnx/platform_manifest.json",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			ConvWorkers:    2,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			GRPCAddr:        ":9090",
			Workers:         2,
			ShutdownTimeout: 30,
			MaxTextBytes:    4096,
			RequestTimeout:  60,
		},
		TTS: TTSConfig{
			Backend:        BackendNative,
			Voice:          "",
			CLIPath:        "",
			CLIConfigPath:  "",
			Concurrency:    1,
			Quiet:          true,
			Temperature:    0.7,
			EOSThreshold:   -4.0,
			MaxSteps:       256,
			LSDDecodeSteps: 1,
		},
		LLM: LLMConfig{
			Enabled:           false,
			MaxTokens:         512,
			Temperature:       0.8,
			TopK:              40,
			EOSTokenIDs:       nil,
			RepetitionPenalty: 1.1,
		},
		ASR: ASRConfig{
			Enabled:            false,
			VocabPath:          "models/asr/vocab.txt",
			SampleRate:         16000,
			NumMelBins:         80,
			SilenceTimeoutSecs: 0.8,
		},
		Pose: PoseConfig{
			Enabled:        false,
			ScoreThreshold: 0.25,
			IoUThreshold:   0.45,
		},
		Transport: TransportConfig{
			GenerateAddr: ":9292",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9191",
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to model file (.safetensors for native, .onnx for native-onnx)")
	fs.String("paths-voice-path", defaults.Paths.VoicePath, "Path to voice/profile asset")
	fs.String("paths-onnx-manifest", defaults.Paths.ONNXManifest, "Path to ONNX model manifest JSON")
	fs.String("paths-tokenizer-model", defaults.Paths.TokenizerModel, "Path to SentencePiece tokenizer model")
	fs.String("paths-platform-manifest", defaults.Paths.PlatformManifest, "Path to the ONNX manifest housing the llm/asr/pose graphs")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "Inference thread count (ONNX intra-op for native-onnx backend)")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "Inter-op thread count (ONNX-only, native-onnx backend)")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Parallel goroutines for Conv1D/ConvTranspose1D (1 = sequential, default 2)")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.String("server-grpc-addr", defaults.Server.GRPCAddr, "gRPC listen address")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent pocket-tts subprocesses for serve command")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain timeout in seconds")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Maximum POST /tts text size in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.String(
		"backend",
		defaults.TTS.Backend,
		"Synthesis backend (native-safetensors|native-onnx|cli; native is alias for native-safetensors)",
	)
	fs.String("tts-voice", defaults.TTS.Voice, "Voice name or .safetensors file path")
	fs.String("tts-cli-path", defaults.TTS.CLIPath, "Path to pocket-tts executable")
	fs.String("tts-cli-config-path", defaults.TTS.CLIConfigPath, "Path to pocket-tts config file")
	fs.Int("tts-concurrency", defaults.TTS.Concurrency, "Max concurrent pocket-tts subprocesses")
	fs.Bool("tts-quiet", defaults.TTS.Quiet, "Pass --quiet to pocket-tts generate")
	fs.Float64("temperature", defaults.TTS.Temperature, "Noise temperature for flow sampling")
	fs.Float64("eos-threshold", defaults.TTS.EOSThreshold, "Raw logit threshold for EOS detection")
	fs.Int("max-steps", defaults.TTS.MaxSteps, "Maximum autoregressive generation steps")
	fs.Int("lsd-steps", defaults.TTS.LSDDecodeSteps, "Euler integration steps per latent frame")
	fs.Bool("metrics-enabled", defaults.Metrics.Enabled, "Enable the Prometheus /metrics exporter")
	fs.String("metrics-listen-addr", defaults.Metrics.ListenAddr, "Listen address for the Prometheus exporter")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.Bool("llm-enabled", defaults.LLM.Enabled, "Load the causal LM graph and expose POST /generate")
	fs.Int("llm-max-tokens", defaults.LLM.MaxTokens, "Default max tokens per /generate call")
	fs.Float64("llm-temperature", defaults.LLM.Temperature, "Sampling temperature for token generation")
	fs.Int("llm-top-k", defaults.LLM.TopK, "Top-k cutoff for token sampling")
	fs.Int64Slice("llm-eos-token-ids", defaults.LLM.EOSTokenIDs, "End-of-text token ids for the loaded checkpoint's tokenizer")
	fs.Float64("llm-repetition-penalty", defaults.LLM.RepetitionPenalty, "Repetition penalty applied during sampling")
	fs.Bool("asr-enabled", defaults.ASR.Enabled, "Load the ASR graphs and expose POST /asr")
	fs.String("asr-vocab-path", defaults.ASR.VocabPath, "Path to the newline-delimited ASR vocabulary file")
	fs.Int("asr-sample-rate", defaults.ASR.SampleRate, "Expected PCM sample rate for POST /asr uploads")
	fs.Int("asr-num-mel-bins", defaults.ASR.NumMelBins, "Mel filterbank bin count (80 or 128)")
	fs.Float64("asr-silence-timeout-secs", defaults.ASR.SilenceTimeoutSecs, "Silence duration before a Final transcription is emitted")
	fs.Bool("pose-enabled", defaults.Pose.Enabled, "Load the pose graph and expose POST /pose")
	fs.Float64("pose-score-threshold", defaults.Pose.ScoreThreshold, "Minimum detection confidence")
	fs.Float64("pose-iou-threshold", defaults.Pose.IoUThreshold, "IoU threshold for greedy NMS")
	fs.String("transport-generate-addr", defaults.Transport.GenerateAddr, "TCP listen address broadcasting /generate output to DuplexClients")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("POCKETTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "POCKETTTS_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pockettts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.voice_path", c.Paths.VoicePath)
	v.SetDefault("paths.onnx_manifest", c.Paths.ONNXManifest)
	v.SetDefault("paths.tokenizer_model", c.Paths.TokenizerModel)
	v.SetDefault("paths.platform_manifest", c.Paths.PlatformManifest)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.grpc_addr", c.Server.GRPCAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.shutdown_timeout_secs", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout_secs", c.Server.RequestTimeout)
	v.SetDefault("tts.backend", c.TTS.Backend)
	v.SetDefault("tts.voice", c.TTS.Voice)
	v.SetDefault("tts.cli_path", c.TTS.CLIPath)
	v.SetDefault("tts.cli_config_path", c.TTS.CLIConfigPath)
	v.SetDefault("tts.concurrency", c.TTS.Concurrency)
	v.SetDefault("tts.quiet", c.TTS.Quiet)
	v.SetDefault("tts.temperature", c.TTS.Temperature)
	v.SetDefault("tts.eos_threshold", c.TTS.EOSThreshold)
	v.SetDefault("tts.max_steps", c.TTS.MaxSteps)
	v.SetDefault("tts.lsd_decode_steps", c.TTS.LSDDecodeSteps)
	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", c.Metrics.ListenAddr)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("llm.enabled", c.LLM.Enabled)
	v.SetDefault("llm.max_tokens", c.LLM.MaxTokens)
	v.SetDefault("llm.temperature", c.LLM.Temperature)
	v.SetDefault("llm.top_k", c.LLM.TopK)
	v.SetDefault("llm.eos_token_ids", c.LLM.EOSTokenIDs)
	v.SetDefault("llm.repetition_penalty", c.LLM.RepetitionPenalty)
	v.SetDefault("asr.enabled", c.ASR.Enabled)
	v.SetDefault("asr.vocab_path", c.ASR.VocabPath)
	v.SetDefault("asr.sample_rate", c.ASR.SampleRate)
	v.SetDefault("asr.num_mel_bins", c.ASR.NumMelBins)
	v.SetDefault("asr.silence_timeout_secs", c.ASR.SilenceTimeoutSecs)
	v.SetDefault("pose.enabled", c.Pose.Enabled)
	v.SetDefault("pose.score_threshold", c.Pose.ScoreThreshold)
	v.SetDefault("pose.iou_threshold", c.Pose.IoUThreshold)
	v.SetDefault("transport.generate_addr", c.Transport.GenerateAddr)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.model_path", "paths-model-path")
	v.RegisterAlias("paths.voice_path", "paths-voice-path")
	v.RegisterAlias("paths.onnx_manifest", "paths-onnx-manifest")
	v.RegisterAlias("paths.tokenizer_model", "paths-tokenizer-model")
	v.RegisterAlias("paths.platform_manifest", "paths-platform-manifest")
	v.RegisterAlias("runtime.threads", "runtime-threads")
	v.RegisterAlias("runtime.inter_op_threads", "runtime-inter-op-threads")
	v.RegisterAlias("runtime.conv_workers", "conv-workers")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("runtime.ort_library_path", "ort-lib")
	v.RegisterAlias("runtime.ort_version", "runtime-ort-version")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.grpc_addr", "server-grpc-addr")
	v.RegisterAlias("server.workers", "workers")
	v.RegisterAlias("server.shutdown_timeout_secs", "shutdown-timeout")
	v.RegisterAlias("server.max_text_bytes", "max-text-bytes")
	v.RegisterAlias("server.request_timeout_secs", "request-timeout")
	v.RegisterAlias("tts.backend", "backend")
	v.RegisterAlias("tts.voice", "tts-voice")
	v.RegisterAlias("tts.cli_path", "tts-cli-path")
	v.RegisterAlias("tts.cli_config_path", "tts-cli-config-path")
	v.RegisterAlias("tts.concurrency", "tts-concurrency")
	v.RegisterAlias("tts.quiet", "tts-quiet")
	v.RegisterAlias("tts.temperature", "temperature")
	v.RegisterAlias("tts.eos_threshold", "eos-threshold")
	v.RegisterAlias("tts.max_steps", "max-steps")
	v.RegisterAlias("tts.lsd_decode_steps", "lsd-steps")
	v.RegisterAlias("metrics.enabled", "metrics-enabled")
	v.RegisterAlias("metrics.listen_addr", "metrics-listen-addr")
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("llm.enabled", "llm-enabled")
	v.RegisterAlias("llm.max_tokens", "llm-max-tokens")
	v.RegisterAlias("llm.temperature", "llm-temperature")
	v.RegisterAlias("llm.top_k", "llm-top-k")
	v.RegisterAlias("llm.eos_token_ids", "llm-eos-token-ids")
	v.RegisterAlias("llm.repetition_penalty", "llm-repetition-penalty")
	v.RegisterAlias("asr.enabled", "asr-enabled")
	v.RegisterAlias("asr.vocab_path", "asr-vocab-path")
	v.RegisterAlias("asr.sample_rate", "asr-sample-rate")
	v.RegisterAlias("asr.num_mel_bins", "asr-num-mel-bins")
	v.RegisterAlias("asr.silence_timeout_secs", "asr-silence-timeout-secs")
	v.RegisterAlias("pose.enabled", "pose-enabled")
	v.RegisterAlias("pose.score_threshold", "pose-score-threshold")
	v.RegisterAlias("pose.iou_threshold", "pose-iou-threshold")
	v.RegisterAlias("transport.generate_addr", "transport-generate-addr")
}
