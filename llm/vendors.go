package llm

// vendor holds the defaults for one OpenAI-compatible backend.
type vendor struct {
	baseURL string
	prefix  string // API path prefix
	model   string // default chat model, empty when the user must choose
}

// vendors maps Config.Provider to its defaults. Every backend speaks the
// OpenAI chat completions format.
//
// API keys come from config or, in the binaries, from the vendor's usual
// environment variable (OPENAI_API_KEY, GROQ_API_KEY, GEMINI_API_KEY, ...).
var vendors = map[string]vendor{
	// Local backends load models on first request; see newOpenAICompatClient
	// for the generous timeout.
	"ollama":   {baseURL: "http://localhost:11434", prefix: "/v1"},
	"lmstudio": {baseURL: "http://localhost:1234", prefix: "/v1"},

	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1", model: "gpt-4o-mini"},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1", model: "llama-3.3-70b-versatile"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1"},
	"xai":        {baseURL: "https://api.x.ai", prefix: "/v1"},
	// Gemini's OpenAI endpoint carries its own version in the base URL.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", prefix: "", model: "gemini-2.5-flash"},

	// custom never fills in a base URL.
	"custom": {prefix: "/v1"},
}
