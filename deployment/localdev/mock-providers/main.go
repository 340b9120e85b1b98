// Command mock-providers serves stand-ins for the weather, grid carbon, and
// AI completion services so the audit engine can run end-to-end locally.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

type weatherResponse struct {
	TemperatureC float64 `json:"temperature_c"`
	Condition    string  `json:"condition"`
	HumidityPct  float64 `json:"humidity_pct"`
}

type carbonResponse struct {
	CarbonIntensity float64 `json:"carbon_intensity"`
}

type completionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type completionResponse struct {
	Completion string `json:"completion"`
}

// loadPctPattern matches the load percentage the audit prompt embeds.
var loadPctPattern = regexp.MustCompile(`reading is at ([0-9.]+)%`)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/weather", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodGet) {
			return
		}
		// Conditions rotate hourly so repeated runs see some variety.
		conditions := []string{"sunny", "cloudy", "rainy"}
		hour := time.Now().Hour()
		writeJSON(w, weatherResponse{
			TemperatureC: 18 + float64(hour%12),
			Condition:    conditions[hour%len(conditions)],
			HumidityPct:  55,
		})
	})

	mux.HandleFunc("/v1/carbon", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, carbonResponse{CarbonIntensity: 420 + float64(time.Now().Hour()*15)})
	})

	mux.HandleFunc("/v1/ai/complete", func(w http.ResponseWriter, r *http.Request) {
		if !enforceMethod(w, r, http.MethodPost) {
			return
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, completionResponse{Completion: classify(req.Prompt)})
	})

	logger := log.New(log.Writer(), "providers-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// classify produces a verdict JSON from the load percentage found in the
// prompt, mimicking what the real completion service returns.
func classify(prompt string) string {
	loadPct := 0.0
	if m := loadPctPattern.FindStringSubmatch(prompt); m != nil {
		loadPct, _ = strconv.ParseFloat(m[1], 64)
	}

	switch {
	case loadPct > 120:
		return fmt.Sprintf(`{"severity": "ANOMALY", "confidence": 88, "reasoning": "Reading at %.1f%% of the contracted ceiling is a gross overage."}`, loadPct)
	case loadPct >= 100:
		return fmt.Sprintf(`{"severity": "WARNING", "confidence": 72, "reasoning": "Reading at %.1f%% of the contracted ceiling warrants review."}`, loadPct)
	default:
		return fmt.Sprintf(`{"severity": "VERIFIED", "confidence": 82, "reasoning": "Reading at %.1f%% of the contracted ceiling is plausible."}`, loadPct)
	}
}

func enforceMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
