package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/narrolabs/narro-core/internal/config"
)

// maxTextSize is the upstream limit on a single translate_tts request.
const maxTextSize = 5000

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// GoogleTranslate synthesizes speech through the public translate_tts
// endpoint. Requests are rate limited to avoid being blocked.
type GoogleTranslate struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewGoogleTranslate(cfg config.SynthesisConfig) *GoogleTranslate {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	return &GoogleTranslate{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

func (g *GoogleTranslate) Name() string { return "googletrans" }

func (g *GoogleTranslate) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > maxTextSize {
		return nil, fmt.Errorf("text too long: %d characters (max %d)", n, maxTextSize)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	query := url.Values{}
	query.Set("ie", "UTF-8")
	query.Set("client", "tw-ob")
	query.Set("tl", lang)
	query.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("translate_tts returned status %s", resp.Status)
	}
	// A captcha or block page comes back as HTML with status 200.
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return nil, fmt.Errorf("translate_tts returned %s instead of audio", ct)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("translate_tts returned no audio")
	}
	return audio, nil
}
