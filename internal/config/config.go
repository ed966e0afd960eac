package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	Credential xfyun.Credential

	GroupID     string
	WakePhrases []string

	// Optional endpoint overrides, mainly for testing against stand-ins.
	SpeechEndpoint     string
	VoiceprintEndpoint string
	TTSEndpoint        string

	TTSVoice  string
	TTSOutDir string

	VisitorFile string

	// Quality gate thresholds for identification audio.
	MinAvgAmplitude      float64
	SignificantAmplitude int
	MinSignificantRatio  float64
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	cred := xfyun.Credential{
		AppID:     os.Getenv("XFYUN_APP_ID"),
		APIKey:    os.Getenv("XFYUN_API_KEY"),
		APISecret: os.Getenv("XFYUN_API_SECRET"),
	}
	if !cred.Valid() {
		log.Println("Warning: XFYUN_APP_ID/XFYUN_API_KEY/XFYUN_API_SECRET not fully set - vendor services will not work")
	}

	groupID := os.Getenv("VOICEPRINT_GROUP_ID")
	if groupID == "" {
		groupID = "volunteer"
	}

	var phrases []string
	if raw := os.Getenv("WAKE_PHRASES"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
	}

	voice := os.Getenv("TTS_VOICE")
	if voice == "" {
		voice = "x4_yezi"
	}
	outDir := os.Getenv("TTS_OUT_DIR")
	if outDir == "" {
		outDir = "tts_out"
	}

	visitorFile := os.Getenv("VISITOR_FILE")
	if visitorFile == "" {
		visitorFile = "visitor.txt"
	}

	gate := audio.DefaultGate()
	minAvg := floatEnv("MIN_AVG_AMPLITUDE", gate.MinAvgAmplitude)
	sigAmp := intEnv("SIGNIFICANT_AMPLITUDE", gate.SignificantAmplitude)
	minRatio := floatEnv("MIN_SIGNIFICANT_RATIO", gate.MinSignificantRatio)

	log.Printf("config: HTTP_ADDRESS=%s VOICEPRINT_GROUP_ID=%s TTS_VOICE=%s", addr, groupID, voice)
	return Config{
		HTTPAddress:          addr,
		Credential:           cred,
		GroupID:              groupID,
		SpeechEndpoint:       os.Getenv("XFYUN_IAT_URL"),
		VoiceprintEndpoint:   os.Getenv("XFYUN_VOICEPRINT_URL"),
		TTSEndpoint:          os.Getenv("XFYUN_TTS_URL"),
		WakePhrases:          phrases,
		TTSVoice:             voice,
		TTSOutDir:            outDir,
		VisitorFile:          visitorFile,
		MinAvgAmplitude:      minAvg,
		SignificantAmplitude: sigAmp,
		MinSignificantRatio:  minRatio,
	}
}

// Gate builds the identification quality gate from the loaded thresholds.
func (c Config) Gate() audio.Gate {
	return audio.Gate{
		MinAvgAmplitude:      c.MinAvgAmplitude,
		SignificantAmplitude: c.SignificantAmplitude,
		MinSignificantRatio:  c.MinSignificantRatio,
	}
}

func floatEnv(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %v", key, raw, fallback)
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %v", key, raw, fallback)
		return fallback
	}
	return v
}
