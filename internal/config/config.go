// Package config loads the process configuration from the environment.
// This supersedes the two separate loaders the original demo carried
// (a flag-based one for the Twilio surface, a bare-env one for the
// voice pipeline); both are folded into a single env-driven Config.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all process-wide settings: the HTTP surface, the direct
// provider credentials the teacher wired by hand, and the graph-runtime
// settings (transport, KV, relay, PeerDM) the dataflow engine adds.
type Config struct {
	HTTPAddress    string
	ICEServersJSON string
	AuthPassword   string

	// Direct provider credentials (kept from the teacher demo; used by
	// the concrete asr/tts provider adapters as an alternative to the
	// generic REST providers below).
	AssemblyAIKey     string
	CerebrasKey       string
	CerebrasModelID   string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string

	// Generic REST/SSE providers the graph's controllers speak per §6.
	ASRBaseURL string
	ASRAPIKey  string
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	TTSBaseURL string
	TTSAPIKey  string

	// Transport (C5 TransportMux).
	TransportMode string // "http" or "relay"
	RelaySeedPath string

	// KV backend (C4 NodeStore).
	KVBackend              string // "supabase" or "memory"
	SupabaseURL            string
	SupabaseServiceRoleKey string

	// PeerDM (C9).
	PeerAllowedPeers      []string
	PeerAutoAccept        bool
	PeerHeartbeatInterval int // seconds, minimum 5
}

// Load reads environment variables (after optionally loading a .env
// file) and returns a Config with sane defaults, warning but continuing
// on any missing optional key — matching the teacher's demo behavior.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found or error loading it:", err)
	}

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		ICEServersJSON: getEnv("ICE_SERVERS_JSON", `[{"urls":"stun:stun.l.google.com:19302"}]`),
		AuthPassword:   os.Getenv("RTC_AUTH_PASSWORD"),

		AssemblyAIKey:     os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:       os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:   getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),

		ASRBaseURL: os.Getenv("ASR_BASE_URL"),
		ASRAPIKey:  os.Getenv("ASR_API_KEY"),
		LLMBaseURL: os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getEnv("LLM_MODEL", "llama3.1"),
		TTSBaseURL: os.Getenv("TTS_BASE_URL"),
		TTSAPIKey:  os.Getenv("TTS_API_KEY"),

		TransportMode: getEnv("TRANSPORT_MODE", "http"),
		RelaySeedPath: getEnv("RELAY_SEED_PATH", ".graph-relay-seed"),

		KVBackend:              getEnv("KV_BACKEND", "memory"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),

		PeerAutoAccept:        getEnvBool("PEERDM_AUTO_ACCEPT", false),
		PeerHeartbeatInterval: getEnvInt("PEERDM_HEARTBEAT_SEC", 15),
	}

	if v := os.Getenv("PEERDM_ALLOWED_PEERS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.PeerAllowedPeers = append(cfg.PeerAllowedPeers, p)
			}
		}
	}
	if cfg.PeerHeartbeatInterval < 5 {
		cfg.PeerHeartbeatInterval = 5
	}

	if cfg.AssemblyAIKey == "" {
		log.Println("config: ASSEMBLYAI_API_KEY not set - the direct AssemblyAI ASR provider will not work")
	}
	if cfg.CerebrasKey == "" {
		log.Println("config: CEREBRAS_API_KEY not set - the direct Cerebras LLM provider will not work")
	}
	if cfg.ElevenLabsKey == "" {
		log.Println("config: ELEVENLABS_API_KEY not set - the direct ElevenLabs TTS provider will not work")
	}
	if cfg.TransportMode == "relay" && cfg.RelaySeedPath == "" {
		log.Println("config: TRANSPORT_MODE=relay and RELAY_SEED_PATH is empty - the path is not read; the relay identity seed is kept in the KV store")
	}
	if cfg.KVBackend == "supabase" && (cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "") {
		log.Println("config: KV_BACKEND=supabase but SUPABASE_URL/SUPABASE_SERVICE_ROLE_KEY are incomplete - falling back to in-memory KV")
		cfg.KVBackend = "memory"
	}

	log.Printf("config: HTTP_ADDRESS=%s TRANSPORT_MODE=%s KV_BACKEND=%s", cfg.HTTPAddress, cfg.TransportMode, cfg.KVBackend)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
