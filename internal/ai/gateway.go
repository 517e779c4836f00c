package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"review-worker/internal/telemetry"
)

// Options shape a single Ask call.
type Options struct {
	SystemInstruction string
	Temperature       float64
	MaxTokens         int
	// PreferredModel is tried first when it is a recognized model.
	PreferredModel string
}

// Attempt records one model call, successful or not.
type Attempt struct {
	Model       string        `json:"model"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Usage       Usage         `json:"usage"`
	Error       string        `json:"error,omitempty"`
}

// Result describes how a successful Ask was served. Attempts is populated
// on failure too.
type Result struct {
	Text     string
	Model    string
	Usage    Usage
	Duration time.Duration
	Attempts []Attempt
}

// GatewayConfig tunes retry behavior.
type GatewayConfig struct {
	Provider         Provider
	AttemptsPerModel int
	RetryDelay       time.Duration
}

// Gateway sends prompts to the configured provider's models in priority
// order, retrying transient failures and falling back on terminal ones.
type Gateway struct {
	cfg      GatewayConfig
	backends map[Provider]Backend
	validate *validator.Validate
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewGateway builds a gateway over the given backends.
func NewGateway(cfg GatewayConfig, backends map[Provider]Backend, log *zap.Logger) *Gateway {
	if cfg.AttemptsPerModel <= 0 {
		cfg.AttemptsPerModel = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cfg:      cfg,
		backends: backends,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		sleep:    sleepCtx,
	}
}

// Ask sends content to the model chain. When out is non-nil it must be a
// pointer to a struct; the response is decoded into it and checked against
// its `validate` tags, and a violation abandons the model.
func (g *Gateway) Ask(ctx context.Context, content string, out any, opts Options) (Result, error) {
	start := time.Now()
	var res Result
	var lastErr error
	models := candidates(g.cfg.Provider, opts.PreferredModel)

	for _, model := range models {
		provider, _ := LookupModel(model)
		backend, ok := g.backends[provider]
		if !ok {
			g.log.Debug("skipping model without configured backend", zap.String("model", model))
			continue
		}
		for try := 1; try <= g.cfg.AttemptsPerModel; try++ {
			text, usage, err := g.attempt(ctx, backend, model, content, out, opts, &res)
			if err == nil {
				res.Text = text
				res.Model = model
				res.Usage = usage
				res.Duration = time.Since(start)
				return res, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return res, fmt.Errorf("ask aborted: %w", ctx.Err())
			}
			kind := kindOf(err)
			g.log.Warn("model attempt failed",
				zap.String("model", model),
				zap.Int("try", try),
				zap.Stringer("kind", kind),
				zap.Error(err))
			if kind == Terminal {
				break
			}
			if try < g.cfg.AttemptsPerModel {
				if err := g.sleep(ctx, g.cfg.RetryDelay); err != nil {
					return res, fmt.Errorf("ask aborted: %w", err)
				}
			}
		}
	}

	res.Duration = time.Since(start)
	if lastErr == nil {
		lastErr = fmt.Errorf("no backend configured for provider %q", g.cfg.Provider)
	}
	return res, fmt.Errorf("%w after %d attempts: %s", ErrAllModelsFailed, len(res.Attempts), lastErr.Error())
}

func (g *Gateway) attempt(ctx context.Context, backend Backend, model, content string, out any, opts Options, res *Result) (string, Usage, error) {
	started := time.Now()
	resp, err := backend.Complete(ctx, CompletionRequest{
		Model:             model,
		SystemInstruction: opts.SystemInstruction,
		Content:           content,
		Temperature:       opts.Temperature,
		MaxTokens:         opts.MaxTokens,
		JSON:              out != nil,
	})
	if err == nil && out != nil {
		err = g.decode(model, resp.Text, out)
	}
	ended := time.Now()
	a := Attempt{Model: model, StartedAt: started, Duration: ended.Sub(started), Usage: resp.Usage}
	provider, _ := LookupModel(model)
	if err != nil {
		a.FailedAt = &ended
		a.Error = err.Error()
		telemetry.AIAttempts.WithLabelValues(string(provider), model, "failed").Inc()
	} else {
		a.CompletedAt = &ended
		telemetry.AIAttempts.WithLabelValues(string(provider), model, "completed").Inc()
	}
	telemetry.AITokens.WithLabelValues(model, "input").Add(float64(resp.Usage.InputTokens))
	telemetry.AITokens.WithLabelValues(model, "output").Add(float64(resp.Usage.OutputTokens))
	res.Attempts = append(res.Attempts, a)
	return resp.Text, resp.Usage, err
}

// decode fills out only when the whole response conforms.
func (g *Gateway) decode(model, text string, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("response target must be a non-nil pointer, got %T", out)
	}
	provider, _ := LookupModel(model)
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal([]byte(StripCodeFence(text)), fresh.Interface()); err != nil {
		return &ProviderError{Provider: provider, Model: model, Kind: Terminal, Err: fmt.Errorf("response is not valid JSON: %w", err)}
	}
	if fresh.Elem().Kind() == reflect.Struct {
		if err := g.validate.Struct(fresh.Interface()); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				return &ProviderError{Provider: provider, Model: model, Kind: Terminal, Err: fmt.Errorf("response violates schema: %w", verrs)}
			}
			return &ProviderError{Provider: provider, Model: model, Kind: Terminal, Err: err}
		}
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

// StripCodeFence removes a surrounding markdown code fence, if present.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return strings.Trim(s, "`")
	}
	end := len(lines)
	if strings.TrimSpace(lines[end-1]) == "```" {
		end--
	}
	return strings.Join(lines[1:end], "\n")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
