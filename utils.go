//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v4"
	"github.com/ossrs/go-oryx-lib/errors"
)

// The file extensions we accept as dubbing input.
var serverAllowVideoFiles = []string{".mp4", ".flv", ".ts", ".mkv", ".mov", ".webm", ".avi"}
var serverAllowAudioFiles = []string{".mp3", ".m4a", ".aac", ".wav", ".ogg", ".flac"}

// Config is the explicit configuration for the whole service, loaded once at startup
// and threaded into the server and adapters. Per-job behavior is determined only by
// the job's recorded processing options, never by mutating this value afterward.
type Config struct {
	// The working directory of the process.
	Pwd string
	// The directory for per-job intermediate artifacts.
	WorkDir string
	// The directory for final dubbed outputs.
	OutputDir string
	// HTTP listen address, for example :2027.
	Listen string
	// The maximum input file size in bytes.
	MaxFileSize int64

	// OpenAI compatible service for ASR, translation and TTS.
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIOrg     string
	OpenAIModel   string
	// OpenRouter chat service, used by the openrouter translation method.
	OpenRouterKey   string
	OpenRouterModel string
	// Ollama local server, used by the ollama translation method.
	OllamaURL   string
	OllamaModel string
	// ElevenLabs TTS service.
	ElevenLabsKey string

	// Local whisper.cpp binary and model, used by the whisper_cpp ASR method.
	WhisperBin   string
	WhisperModel string

	// Fallback chains per stage, the requested method is always attempted first.
	SeparationFallbacks  []string
	ASRFallbacks         []string
	TranslationFallbacks []string
	TTSFallbacks         []string

	// The accelerator device for heavy engines, and how many inferences
	// may run on it concurrently.
	EngineDevice   string
	EngineParallel int64

	// Cron spec for the stale artifact sweeper, and the artifact TTL in hours.
	CleanupCron     string
	CleanupTTLHours int
}

func setEnvDefault(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}

func envApiSecret() string {
	return os.Getenv("VDUB_API_SECRET")
}

// envList parses comma separated env value, trimming empty entries.
func envList(key string, def []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func envInt(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if iv, err := strconv.Atoi(value); err == nil {
			return iv
		}
	}
	return def
}

// LoadConfig builds the service config from env, after godotenv has loaded .env.
func LoadConfig() (*Config, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "getpwd")
	}

	conf := &Config{
		Pwd:         pwd,
		WorkDir:     os.Getenv("VDUB_WORK_DIR"),
		OutputDir:   os.Getenv("VDUB_OUTPUT_DIR"),
		Listen:      fmt.Sprintf(":%v", os.Getenv("VDUB_LISTEN")),
		MaxFileSize: int64(envInt("VDUB_MAX_FILE_SIZE_MB", 500)) * 1024 * 1024,

		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		OpenAIOrg:       os.Getenv("OPENAI_ORGANIZATION"),
		OpenAIModel:     os.Getenv("OPENAI_CHAT_MODEL"),
		OpenRouterKey:   os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel: os.Getenv("OPENROUTER_MODEL"),
		OllamaURL:       os.Getenv("OLLAMA_API_URL"),
		OllamaModel:     os.Getenv("OLLAMA_MODEL"),
		ElevenLabsKey:   os.Getenv("ELEVENLABS_API_KEY"),

		WhisperBin:   os.Getenv("WHISPER_CPP_BIN"),
		WhisperModel: os.Getenv("WHISPER_CPP_MODEL"),

		SeparationFallbacks:  envList("VDUB_SEPARATION_FALLBACKS", []string{"htdemucs_ft", "htdemucs", "spleeter"}),
		ASRFallbacks:         envList("VDUB_ASR_FALLBACKS", []string{"whisper_api", "whisper_cpp"}),
		TranslationFallbacks: envList("VDUB_TRANSLATION_FALLBACKS", []string{"google", "openai", "openrouter", "ollama"}),
		TTSFallbacks:         envList("VDUB_TTS_FALLBACKS", []string{"edge", "openai", "elevenlabs", "espeak"}),

		EngineDevice:   os.Getenv("VDUB_ENGINE_DEVICE"),
		EngineParallel: int64(envInt("VDUB_ENGINE_PARALLEL", 1)),

		CleanupCron:     os.Getenv("VDUB_CLEANUP_CRON"),
		CleanupTTLHours: envInt("VDUB_CLEANUP_TTL_HOURS", 24),
	}

	if conf.OpenAIBaseURL == "" {
		conf.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if conf.OpenAIModel == "" {
		conf.OpenAIModel = "gpt-4o-mini"
	}
	if conf.OllamaURL == "" {
		conf.OllamaURL = "http://localhost:11434"
	}
	if conf.OllamaModel == "" {
		conf.OllamaModel = "llama3"
	}
	if conf.OpenRouterModel == "" {
		conf.OpenRouterModel = "google/gemini-flash-1.5"
	}
	if conf.WhisperBin == "" {
		conf.WhisperBin = "whisper-cli"
	}
	if conf.EngineParallel <= 0 {
		conf.EngineParallel = 1
	}
	if conf.CleanupCron == "" {
		conf.CleanupCron = "@hourly"
	}

	return conf, nil
}

// NewRedisClient creates the redis client from env, without global state.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%v:%v", os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "ping redis %v:%v", os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"))
	}
	return rdb, nil
}

// ParseBody read the body from r, and unmarshal JSON to v.
func ParseBody(ctx context.Context, r io.ReadCloser, v interface{}) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "read body")
	}
	defer r.Close()

	if len(b) == 0 {
		return nil
	}

	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "json unmarshal %v", string(b))
	}

	return nil
}

// Authenticate check by Bearer or token. If use bearer secret, there is the header
// Authorization: Bearer {apiSecret}. If use token, the token is a JWT signed by the
// api secret.
func Authenticate(ctx context.Context, apiSecret, token string, header http.Header) error {
	// Check system api secret.
	if apiSecret == "" {
		return errors.New("no api secret")
	}

	// Should use bearer secret or token.
	authorization := header.Get("Authorization")
	if authorization == "" && token == "" {
		return errors.New("no Authorization or token")
	}

	// Verify bearer secret first.
	if authorization != "" {
		parseBearerToken := func(authorization string) (string, error) {
			authParts := strings.Split(authorization, " ")
			if len(authParts) != 2 || strings.ToLower(authParts[0]) != "bearer" {
				return "", errors.New("Invalid Authorization format")
			}

			return authParts[1], nil
		}

		authSecret, err := parseBearerToken(authorization)
		if err != nil {
			return errors.Wrapf(err, "parse bearer token")
		}

		if authSecret != apiSecret {
			return errors.New("invalid bearer token")
		}
		return nil
	}

	// Verify token, see https://pkg.go.dev/github.com/golang-jwt/jwt/v4#example-Parse-Hmac
	if _, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte(apiSecret), nil
	}); err != nil {
		return errors.Wrapf(err, "verify token %v", token)
	}

	return nil
}

// hasAllowedExtension matches the file extension against the allow list, case insensitive.
func hasAllowedExtension(filename string, allowed []string) bool {
	name := strings.ToLower(filename)
	for _, ext := range allowed {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// FFprobeFormat is the format object in ffprobe response.
type FFprobeFormat struct {
	// The start time in seconds.
	Starttime string `json:"start_time"`
	// The duration in seconds.
	Duration string `json:"duration"`
	// The bitrate in bps.
	Bitrate string `json:"bit_rate"`
	// The number of streams in file.
	Streams int32 `json:"nb_streams"`
	// The probe score, which indicates the confidence of the format detection.
	Score int32 `json:"probe_score"`
	// Whether has video stream.
	HasVideo bool `json:"has_video"`
	// Whether has audio stream.
	HasAudio bool `json:"has_audio"`
}

func (v *FFprobeFormat) String() string {
	return fmt.Sprintf("duration=%v, bitrate=%v, streams=%v, score=%v, video=%v, audio=%v",
		v.Duration, v.Bitrate, v.Streams, v.Score, v.HasVideo, v.HasAudio,
	)
}

// FFprobeVideo is the video stream object in ffprobe response.
type FFprobeVideo struct {
	// The codec type, should be video.
	CodecType string `json:"codec_type"`
	// The codec name, for example, h264.
	CodecName string `json:"codec_name"`
	// The width of video.
	Width int32 `json:"width"`
	// The height of video.
	Height int32 `json:"height"`
	// The duration in seconds.
	Duration string `json:"duration"`
	// The bitrate in bps.
	Bitrate string `json:"bit_rate"`
}

func (v *FFprobeVideo) String() string {
	return fmt.Sprintf("codec=%v, size=%vx%v, duration=%v", v.CodecName, v.Width, v.Height, v.Duration)
}

// FFprobeAudio is the audio stream object in ffprobe response.
type FFprobeAudio struct {
	// The codec type, should be audio.
	CodecType string `json:"codec_type"`
	// The codec name, for example, aac.
	CodecName string `json:"codec_name"`
	// The sample rate.
	SampleRate string `json:"sample_rate"`
	// The number of channels.
	Channels int32 `json:"channels"`
	// The duration in seconds.
	Duration string `json:"duration"`
	// The bitrate in bps.
	Bitrate string `json:"bit_rate"`
}

func (v *FFprobeAudio) String() string {
	return fmt.Sprintf("codec=%v, rate=%v, channels=%v, duration=%v", v.CodecName, v.SampleRate, v.Channels, v.Duration)
}

// MediaFormat is the parsed form of the ffprobe format.
type MediaFormat struct {
	Starttime string  `json:"start_time"`
	Duration  float64 `json:"duration"`
	Bitrate   int64   `json:"bit_rate"`
	Streams   int32   `json:"nb_streams"`
	Score     int32   `json:"probe_score"`
	HasVideo  bool    `json:"has_video"`
	HasAudio  bool    `json:"has_audio"`
}

func (v *MediaFormat) FromFFprobeFormat(format *FFprobeFormat) error {
	v.Starttime = format.Starttime
	v.Streams = format.Streams
	v.Score = format.Score
	v.HasVideo = format.HasVideo
	v.HasAudio = format.HasAudio

	if fv, err := strconv.ParseFloat(format.Duration, 64); err != nil {
		return errors.Wrapf(err, "parse duration %v of %v", format.Duration, format)
	} else {
		v.Duration = fv
	}

	if format.Bitrate != "" {
		if iv, err := strconv.ParseInt(format.Bitrate, 10, 64); err != nil {
			return errors.Wrapf(err, "parse bitrate %v of %v", format.Bitrate, format)
		} else {
			v.Bitrate = iv
		}
	}

	return nil
}

func (v *MediaFormat) String() string {
	return fmt.Sprintf("starttime=%v, duration=%v, bitrate=%v, streams=%v, score=%v, video=%v, audio=%v",
		v.Starttime, v.Duration, v.Bitrate, v.Streams, v.Score, v.HasVideo, v.HasAudio,
	)
}

// FFprobeFileFormat use ffprobe to probe the file, return the format of file.
func FFprobeFileFormat(ctx context.Context, filename string) (format *MediaFormat, video *FFprobeVideo, audio *FFprobeAudio, err error) {
	args := []string{
		"-show_error", "-show_private_data", "-v", "quiet", "-find_stream_info", "-print_format", "json",
		"-show_format", "-show_streams",
	}
	args = append(args, "-i", filename)

	var stdout []byte
	stdout, err = exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		err = errors.Wrapf(err, "probe %v", filename)
		return
	}

	// Parse the format.
	ffprobeFormat := struct {
		Format FFprobeFormat `json:"format"`
	}{}
	if err = json.Unmarshal([]byte(stdout), &ffprobeFormat); err != nil {
		err = errors.Wrapf(err, "parse format %v", stdout)
		return
	}

	// Parse video streams.
	videos := struct {
		Streams []FFprobeVideo `json:"streams"`
	}{}
	if err = json.Unmarshal([]byte(stdout), &videos); err != nil {
		err = errors.Wrapf(err, "parse video streams %v", stdout)
		return
	}
	var matchVideo *FFprobeVideo
	for _, video := range videos.Streams {
		if video.CodecType == "video" {
			matchVideo = &video
			ffprobeFormat.Format.HasVideo = true
			break
		}
	}

	// Parse audio streams.
	audios := struct {
		Streams []FFprobeAudio `json:"streams"`
	}{}
	if err = json.Unmarshal([]byte(stdout), &audios); err != nil {
		err = errors.Wrapf(err, "parse audio streams %v", stdout)
		return
	}
	var matchAudio *FFprobeAudio
	for _, audio := range audios.Streams {
		if audio.CodecType == "audio" {
			matchAudio = &audio
			ffprobeFormat.Format.HasAudio = true
			break
		}
	}

	// Parse to the format.
	format = &MediaFormat{}
	if err = format.FromFFprobeFormat(&ffprobeFormat.Format); err != nil {
		err = errors.Wrapf(err, "from ffprobe format %v", ffprobeFormat.Format)
		return
	}

	video = matchVideo
	audio = matchAudio
	return
}
